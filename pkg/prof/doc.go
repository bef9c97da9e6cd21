// Package prof captures runtime profiles around a simulation run.
//
// A [Session] starts CPU profiling and enables block and mutex sampling
// as configured, and writes snapshot profiles when it stops:
//
//	s, err := prof.Start(prof.Config{CPU: "cpu.prof", Heap: "heap.prof"})
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// Only one session may profile the CPU at a time; a second one fails with
// [ErrCPUProfileActive]. [Write] renders any snapshot profile to a writer,
// in binary form for go tool pprof or as text with a nonzero debug level.
package prof
