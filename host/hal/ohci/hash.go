package ohci

import "fmt"

// hashSize is the bucket count of the physical address table.
const hashSize = 128

func hashPhys(a uint32) int {
	return int(a>>4) & (hashSize - 1)
}

// physTable maps the physical address of every TD and ITD the driver has
// handed to the controller back to its shadow. The controller reports
// completions only by physical address.
type physTable struct {
	buckets [hashSize][]doneEntry
	n       int
}

func (t *physTable) register(e doneEntry) {
	a := e.phys()
	b := &t.buckets[hashPhys(a)]
	for _, o := range *b {
		if o.phys() == a {
			panic(fmt.Sprintf("ohci: physical address 0x%08x registered twice", a))
		}
	}
	*b = append(*b, e)
	t.n++
}

func (t *physTable) unregister(a uint32) bool {
	b := &t.buckets[hashPhys(a)]
	for i, o := range *b {
		if o.phys() == a {
			last := len(*b) - 1
			(*b)[i] = (*b)[last]
			(*b)[last] = nil
			*b = (*b)[:last]
			t.n--
			return true
		}
	}
	return false
}

func (t *physTable) resolve(a uint32) doneEntry {
	for _, o := range t.buckets[hashPhys(a)] {
		if o.phys() == a {
			return o
		}
	}
	return nil
}

func (t *physTable) len() int { return t.n }
