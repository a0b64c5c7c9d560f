package kernel

import (
	"github.com/naveen246/tern/buffer"
	"github.com/naveen246/tern/clock"
	"github.com/naveen246/tern/disk"
	"github.com/naveen246/tern/mem"
	"github.com/naveen246/tern/vm"
)

// Kernel owns one instance of each memory subsystem, wired in boot
// order: physical memory and the tick counter first, then the buffer
// cache on top of whatever devices get mounted.
type Kernel struct {
	Clock *clock.Clock
	Alloc *mem.Allocator
	Cache *buffer.Cache
}

// New boots the memory subsystems. end and physTop bound the physical
// memory arena, nbufs and nbuckets size the buffer cache.
func New(end, physTop uint64, nbufs, nbuckets int) (*Kernel, error) {
	alloc, err := mem.NewAllocator(end, physTop)
	if err != nil {
		return nil, err
	}
	clk := clock.New()
	return &Kernel{
		Clock: clk,
		Alloc: alloc,
		Cache: buffer.NewCache(clk, nbufs, nbuckets),
	}, nil
}

// Mount attaches a block device to the buffer cache under the device
// number dev.
func (k *Kernel) Mount(dev uint32, d disk.Device) {
	k.Cache.Mount(dev, d)
}

// NewPageTable returns an empty address space backed by the kernel's
// physical memory.
func (k *Kernel) NewPageTable() (*vm.PageTable, error) {
	return vm.New(k.Alloc)
}

// Close releases the physical memory arena. Every page table built on
// this kernel becomes invalid.
func (k *Kernel) Close() error {
	return k.Alloc.Close()
}
