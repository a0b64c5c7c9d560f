package vm

import (
	"encoding/binary"
	"github.com/cockroachdb/errors"
	"github.com/naveen246/tern/mem"
)

/*
A PageTable maps 4096-byte virtual pages to physical pages with the three
level radix tree of riscv's sv39 mode. Table pages come from the same
allocator as everything else; each level holds 512 eight-byte entries and
a virtual address selects one entry per level:

	 38        30 29        21 20        12 11          0
	+------------+------------+------------+-------------+
	| level 2    | level 1    | level 0    | page offset |
	+------------+------------+------------+-------------+

An entry packs a physical page number with its flag bits:

	 63                    10   9 8   7 6 5 4 3 2 1 0
	+------------------------+-----+----------------+
	| pa >> 12               | RSW |  ....  U X W R V |
	+------------------------+-----+----------------+

An entry with V and any of R, W, X set is a leaf. An entry with only V set
points at the next level's table page. The copy-on-write bit lives in RSW,
the range riscv reserves for software.

A PageTable is not safe for concurrent use. It models one process's address
space, and a process serializes its own page-table changes.
*/

const (
	PteValid = 1 << 0
	PteRead  = 1 << 1
	PteWrite = 1 << 2
	PteExec  = 1 << 3
	PteUser  = 1 << 4

	// PteCow marks a page that was writable until its address space was
	// cloned. A store to it traps, and CowResolve upgrades it back to
	// writable, copying the page if it is still shared.
	PteCow = 1 << 8
)

// MaxVA is one beyond the highest usable virtual address. sv39 allows 39
// bits but addresses with bit 38 set would need sign extension, so the
// usable space stops one bit short.
const MaxVA = 1 << 38

const entrySize = 8

// PTE is one page-table entry.
type PTE uint64

func (pte PTE) Valid() bool {
	return pte&PteValid != 0
}

// leaf reports whether the entry maps a page rather than a next-level table.
func (pte PTE) leaf() bool {
	return pte&(PteRead|PteWrite|PteExec) != 0
}

func (pte PTE) physAddr() mem.PhysAddr {
	return mem.PhysAddr(pte>>10) << 12
}

func (pte PTE) flags() PTE {
	return pte & 0x3FF
}

// pteFor packs a physical page address and flag bits into an entry.
func pteFor(pa mem.PhysAddr, flags PTE) PTE {
	return PTE(pa>>12)<<10 | flags
}

var ErrNoMemory = errors.New("vm: out of memory")

// PageTable is one address space: a root table page plus the intermediate
// table pages walk allocates on demand.
type PageTable struct {
	alloc *mem.Allocator
	root  mem.PhysAddr
}

// New allocates an empty page table on alloc.
func New(alloc *mem.Allocator) (*PageTable, error) {
	root := alloc.Alloc()
	if root == 0 {
		return nil, ErrNoMemory
	}
	clear(alloc.Page(root))
	return &PageTable{alloc: alloc, root: root}, nil
}

// Root returns the physical address of the root table page.
func (pt *PageTable) Root() mem.PhysAddr {
	return pt.root
}

// walk returns the 8-byte slot holding the leaf entry for va, descending
// the tree and allocating intermediate table pages when doAlloc is set.
// Returns nil when the entry does not exist and doAlloc is false, or when
// a table page cannot be allocated.
func (pt *PageTable) walk(va uint64, doAlloc bool) []byte {
	if va >= MaxVA {
		panic("vm: va out of range")
	}

	table := pt.root
	for level := 2; level > 0; level-- {
		slot := pt.slot(table, vaIndex(va, level))
		pte := loadPTE(slot)
		if pte.Valid() {
			table = pte.physAddr()
			continue
		}
		if !doAlloc {
			return nil
		}
		next := pt.alloc.Alloc()
		if next == 0 {
			return nil
		}
		clear(pt.alloc.Page(next))
		storePTE(slot, pteFor(next, PteValid))
		table = next
	}
	return pt.slot(table, vaIndex(va, 0))
}

// WalkAddr returns the physical address mapped at va, or 0 when va is out
// of range, unmapped, or not user accessible.
func (pt *PageTable) WalkAddr(va uint64) mem.PhysAddr {
	if va >= MaxVA {
		return 0
	}
	slot := pt.walk(va, false)
	if slot == nil {
		return 0
	}
	pte := loadPTE(slot)
	if !pte.Valid() || pte&PteUser == 0 {
		return 0
	}
	return pte.physAddr()
}

// MapPages maps size bytes of consecutive physical pages starting at pa to
// the virtual range starting at va. va and size must be page aligned.
// Fails without rolling back when an entry in the range is already mapped
// or a table page cannot be allocated.
func (pt *PageTable) MapPages(va, size uint64, pa mem.PhysAddr, flags PTE) error {
	if va%mem.PageSize != 0 {
		panic("vm: map of unaligned va")
	}
	if size%mem.PageSize != 0 {
		panic("vm: map of unaligned size")
	}
	if size == 0 {
		panic("vm: map of zero size")
	}

	last := va + size - mem.PageSize
	for a := va; ; a += mem.PageSize {
		slot := pt.walk(a, true)
		if slot == nil {
			return ErrNoMemory
		}
		if loadPTE(slot).Valid() {
			return errors.Newf("vm: remap of va %#x", a)
		}
		storePTE(slot, pteFor(pa, flags|PteValid))
		if a == last {
			break
		}
		pa += mem.PageSize
	}
	return nil
}

// UnmapPages removes the npages mappings starting at va. With doFree set
// each unmapped page loses one reference. Every page in the range must be
// mapped.
func (pt *PageTable) UnmapPages(va uint64, npages int, doFree bool) {
	if va%mem.PageSize != 0 {
		panic("vm: unmap of unaligned va")
	}

	for a := va; a < va+uint64(npages)*mem.PageSize; a += mem.PageSize {
		slot := pt.walk(a, false)
		if slot == nil {
			panic("vm: unmap of unmapped va")
		}
		pte := loadPTE(slot)
		if !pte.Valid() {
			panic("vm: unmap of unmapped va")
		}
		if !pte.leaf() {
			panic("vm: unmap of non-leaf entry")
		}
		if doFree {
			pt.alloc.Free(pte.physAddr())
		}
		storePTE(slot, 0)
	}
}

// Free tears down the address space: every mapped page loses one reference
// and every table page goes back to the allocator.
func (pt *PageTable) Free() {
	pt.freewalk(pt.root)
	pt.root = 0
}

func (pt *PageTable) freewalk(table mem.PhysAddr) {
	for i := 0; i < mem.PageSize/entrySize; i++ {
		pte := loadPTE(pt.slot(table, i))
		if !pte.Valid() {
			continue
		}
		if pte.leaf() {
			pt.alloc.Free(pte.physAddr())
		} else {
			pt.freewalk(pte.physAddr())
		}
	}
	pt.alloc.Free(table)
}

// vaIndex extracts va's entry index for the given tree level.
func vaIndex(va uint64, level int) int {
	return int((va >> (12 + 9*level)) & 0x1FF)
}

func (pt *PageTable) slot(table mem.PhysAddr, i int) []byte {
	return pt.alloc.Page(table)[i*entrySize : (i+1)*entrySize]
}

func loadPTE(slot []byte) PTE {
	return PTE(binary.LittleEndian.Uint64(slot))
}

func storePTE(slot []byte, pte PTE) {
	binary.LittleEndian.PutUint64(slot, uint64(pte))
}
