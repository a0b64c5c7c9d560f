package mem

import (
	"encoding/binary"
	"github.com/cockroachdb/errors"
	"github.com/edsrzf/mmap-go"
	"github.com/sasha-s/go-deadlock"
	"sync/atomic"
)

/*
An Allocator hands out physical memory one page at a time.

Physical memory is modelled as a single anonymous mapping covering
[0, physTop). A PhysAddr is a byte offset into that mapping. Addresses
below end belong to the kernel image and are never handed out; the
allocatable range is [roundup(end), physTop).

Free pages are threaded through a LIFO free list. A free page's first
8 bytes hold the address of the next free page, so the list needs no
storage of its own:

freelist -> +----------+      +----------+      +----------+
            | next     | ---> | next     | ---> | 0        |
            | 01 01 .. |      | 01 01 .. |      | 01 01 .. |
            +----------+      +----------+      +----------+

Every page also has a reference count so that several page tables can
share one physical page (copy-on-write). Alloc returns a page with
count 1, IncRef adds a sharer, Free removes one. A page is linked back
into the free list exactly when its count reaches zero, so a page is on
the free list if and only if its count is zero.

Two locks: mu guards the free list, refMu guards the counts. When both
are needed they are taken in that order, never the other way around.

Freed pages are filled with 0x01 and allocated pages with 0x05 so that
a use-after-free or a read of uninitialized memory shows up as garbage
instead of stale data.
*/

// PageSize is the unit of allocation in bytes.
const PageSize = 4096

const (
	freeJunk  = 0x01
	allocJunk = 0x05
)

// PhysAddr is the base address of a page frame in physical memory.
// Address 0 is below the kernel image and is never allocatable, which
// lets it double as the null page and the free-list terminator.
type PhysAddr uint64

// RoundUp rounds addr up to the next page boundary.
func RoundUp(addr uint64) uint64 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// RoundDown rounds addr down to a page boundary.
func RoundDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

type Allocator struct {
	mu       deadlock.Mutex
	freelist PhysAddr
	nfree    int

	refMu deadlock.Mutex
	refs  []atomic.Int32

	arena   mmap.MMap
	end     PhysAddr
	physTop PhysAddr
}

// NewAllocator maps an anonymous region of physTop bytes as the physical
// memory arena and frees every page in [roundup(end), physTop) into the
// free list. end is where the kernel image stops.
func NewAllocator(end, physTop uint64) (*Allocator, error) {
	if physTop%PageSize != 0 {
		return nil, errors.Newf("mem: physTop %#x is not page aligned", physTop)
	}
	if end == 0 {
		// the zero page is reserved so that PhysAddr 0 can mean "no page"
		return nil, errors.New("mem: end must be above the zero page")
	}
	if RoundUp(end) >= physTop {
		return nil, errors.Newf("mem: empty allocatable range [%#x, %#x)", end, physTop)
	}

	arena, err := mmap.MapRegion(nil, int(physTop), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrap(err, "mem: unable to map arena")
	}

	a := &Allocator{
		arena:   arena,
		end:     PhysAddr(RoundUp(end)),
		physTop: PhysAddr(physTop),
		refs:    make([]atomic.Int32, physTop/PageSize),
	}

	// Seed each count to 1 so the free below lands on zero and links the page.
	for pa := a.end; pa < a.physTop; pa += PageSize {
		a.refs[a.frame(pa)].Store(1)
		a.Free(pa)
	}
	return a, nil
}

// Alloc returns one page with reference count 1, its bytes filled with
// junk. Returns 0 when memory is exhausted.
func (a *Allocator) Alloc() PhysAddr {
	a.mu.Lock()
	pa := a.freelist
	if pa != 0 {
		a.freelist = PhysAddr(binary.LittleEndian.Uint64(a.pageBytes(pa)))
		a.nfree--

		a.refMu.Lock()
		a.refs[a.frame(pa)].Store(1)
		a.refMu.Unlock()
	}
	a.mu.Unlock()

	if pa == 0 {
		return 0
	}
	page := a.pageBytes(pa)
	for i := range page {
		page[i] = allocJunk
	}
	return pa
}

// Free drops one reference to the page at pa. When the last reference
// goes away the page is poisoned and pushed onto the free list.
func (a *Allocator) Free(pa PhysAddr) {
	if !a.validPage(pa) {
		panic("mem: free of invalid page")
	}

	a.refMu.Lock()
	cnt := a.refs[a.frame(pa)].Add(-1)
	a.refMu.Unlock()
	if cnt < 0 {
		panic("mem: free of unreferenced page")
	}
	if cnt > 0 {
		return
	}

	page := a.pageBytes(pa)
	for i := range page {
		page[i] = freeJunk
	}

	a.mu.Lock()
	binary.LittleEndian.PutUint64(page, uint64(a.freelist))
	a.freelist = pa
	a.nfree++
	a.mu.Unlock()
}

// IncRef records one more owner of the page at pa.
func (a *Allocator) IncRef(pa PhysAddr) error {
	if !a.validPage(pa) {
		return errors.Newf("mem: incref of invalid page %#x", pa)
	}

	a.refMu.Lock()
	defer a.refMu.Unlock()
	if a.refs[a.frame(pa)].Load() == 0 {
		return errors.Newf("mem: incref of free page %#x", pa)
	}
	a.refs[a.frame(pa)].Add(1)
	return nil
}

// RefCount returns the page's current reference count. The read takes no
// lock, so the value may be stale by the time the caller acts on it.
// A count of 1 is stable if the caller is one of the owners.
func (a *Allocator) RefCount(pa PhysAddr) int {
	if !a.validPage(pa) {
		panic("mem: invalid page address")
	}
	return int(a.refs[a.frame(pa)].Load())
}

// Page returns the bytes of the page at pa.
func (a *Allocator) Page(pa PhysAddr) []byte {
	if !a.validPage(pa) {
		panic("mem: invalid page address")
	}
	return a.pageBytes(pa)
}

// FreePages returns the number of pages currently on the free list.
func (a *Allocator) FreePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// End returns the first allocatable address.
func (a *Allocator) End() PhysAddr {
	return a.end
}

// PhysTop returns the address just past the arena.
func (a *Allocator) PhysTop() PhysAddr {
	return a.physTop
}

// Close unmaps the arena. Every PhysAddr handed out becomes invalid.
func (a *Allocator) Close() error {
	return a.arena.Unmap()
}

func (a *Allocator) validPage(pa PhysAddr) bool {
	return uint64(pa)%PageSize == 0 && pa >= a.end && pa < a.physTop
}

func (a *Allocator) frame(pa PhysAddr) int {
	return int(pa / PageSize)
}

func (a *Allocator) pageBytes(pa PhysAddr) []byte {
	return a.arena[pa : pa+PageSize]
}
