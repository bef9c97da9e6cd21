// Package dma provides the DMA-memory service a host controller driver
// allocates its device-visible structures and transfer buffers from.
//
// # Allocator
//
// [Allocator] is the downward contract of the driver: Alloc returns a
// physically contiguous, aligned [Region], Free returns it, and Sync orders
// software accesses against device accesses for one direction.
//
// # Hardware-visible words
//
// A [Region] is backed by 32-bit words. Fields a device may write at any
// moment (descriptor flags, buffer cursors, queue pointers, the done head)
// are read and written only with [Region.Load32], [Region.Store32] and
// [Region.Swap32], which are sync/atomic operations. Payload bytes are
// reached through [Region.Bytes] and are only touched by whichever side
// currently owns the transfer.
//
// # Simulated physical memory
//
// [Arena] implements [Allocator] over a fixed physical window. It keeps
// a sorted table of live regions so a device model can translate the
// physical addresses it finds in descriptors back to memory:
//
//	mem := dma.NewArena(dma.DefaultBase, dma.DefaultSize)
//	r, _ := mem.Alloc(4096, dma.PageSize)
//	w, _ := mem.Load32(r.Phys())
//
// # Scatter buffers
//
// A transfer buffer is a [Buffer], a list of [Segment]s. Adjacent segments
// of the same region are merged by [Buffer.Coalesce].
package dma
