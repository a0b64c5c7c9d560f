package vm

import (
	"github.com/cockroachdb/errors"
	"github.com/naveen246/tern/mem"
)

/*
Copy-on-write forking. Cloning an address space does not copy its pages;
both tables map the same physical pages and every writable entry is
downgraded: the write bit is cleared and the COW bit set. A store through
either table then traps, and the fault handler calls CowResolve, which
either gives the faulting table a private writable copy or, when the page
has meanwhile become sole-owned, upgrades the entry in place.

The reference counts in the allocator carry the sharing: each clone adds
one reference per page, each resolve or teardown drops one, and the page
is reclaimed with the last one.
*/

// CloneShared maps the first sz bytes of this address space into dst,
// sharing the physical pages. Writable entries are downgraded to
// copy-on-write in both tables. Unmapped stretches are skipped. On failure
// dst is left empty and this table keeps any downgrades already made.
func (pt *PageTable) CloneShared(dst *PageTable, sz uint64) error {
	for va := uint64(0); va < sz; va += mem.PageSize {
		slot := pt.walk(va, false)
		if slot == nil {
			continue
		}
		pte := loadPTE(slot)
		if !pte.Valid() {
			continue
		}
		pa := pte.physAddr()
		flags := pte.flags()

		if flags&PteWrite != 0 {
			flags = (flags | PteCow) &^ PteWrite
			storePTE(slot, pteFor(pa, flags))
		}

		if err := pt.alloc.IncRef(pa); err != nil {
			dst.unmapRange(0, va, true)
			return err
		}
		if err := dst.MapPages(va, mem.PageSize, pa, flags); err != nil {
			pt.alloc.Free(pa)
			dst.unmapRange(0, va, true)
			return err
		}
	}
	return nil
}

// IsCowPage reports whether va maps a copy-on-write page: a valid entry
// with the COW bit set. False for out-of-range or unmapped addresses.
func (pt *PageTable) IsCowPage(va uint64) bool {
	if va >= MaxVA {
		return false
	}
	slot := pt.walk(va, false)
	if slot == nil {
		return false
	}
	pte := loadPTE(slot)
	return pte.Valid() && pte&PteCow != 0
}

// CowResolve makes the page at va writable after a store trapped on its
// COW bit. va must be page aligned. If this table is the page's only
// owner the entry is upgraded in place; otherwise the page is copied into
// a fresh one and va remapped to it, dropping one reference to the old
// page. Returns the physical page now mapped writable at va, or 0 when va
// is unaligned or unmapped, or memory is exhausted.
func (pt *PageTable) CowResolve(va uint64) mem.PhysAddr {
	if va%mem.PageSize != 0 {
		return 0
	}
	pa := pt.WalkAddr(va)
	if pa == 0 {
		return 0
	}
	slot := pt.walk(va, false)
	pte := loadPTE(slot)

	if pt.alloc.RefCount(pa) == 1 {
		storePTE(slot, (pte|PteWrite)&^PteCow)
		return pa
	}

	fresh := pt.alloc.Alloc()
	if fresh == 0 {
		return 0
	}
	copy(pt.alloc.Page(fresh), pt.alloc.Page(pa))

	// hide the old entry so the remap check does not see it
	storePTE(slot, pte&^PteValid)
	if err := pt.MapPages(va, mem.PageSize, fresh, (pte.flags()|PteWrite)&^PteCow); err != nil {
		pt.alloc.Free(fresh)
		storePTE(slot, pte)
		return 0
	}
	pt.alloc.Free(pa)
	return fresh
}

// CopyOut writes src into the pages mapped at va, resolving copy-on-write
// pages before touching them.
func (pt *PageTable) CopyOut(va uint64, src []byte) error {
	for len(src) > 0 {
		va0 := mem.RoundDown(va)

		var pa mem.PhysAddr
		if pt.IsCowPage(va0) {
			pa = pt.CowResolve(va0)
		} else {
			pa = pt.WalkAddr(va0)
		}
		if pa == 0 {
			return errors.Newf("vm: copy out to unmapped va %#x", va)
		}

		n := int(va0 + mem.PageSize - va)
		if n > len(src) {
			n = len(src)
		}
		copy(pt.alloc.Page(pa)[va-va0:], src[:n])
		src = src[n:]
		va += uint64(n)
	}
	return nil
}

// unmapRange removes whatever mappings exist in [start, end), tolerating
// holes. Used to unwind a partial clone.
func (pt *PageTable) unmapRange(start, end uint64, doFree bool) {
	for va := start; va < end; va += mem.PageSize {
		slot := pt.walk(va, false)
		if slot == nil {
			continue
		}
		if pte := loadPTE(slot); pte.Valid() {
			if doFree {
				pt.alloc.Free(pte.physAddr())
			}
			storePTE(slot, 0)
		}
	}
}
