package vm

import (
	"github.com/naveen246/tern/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func testAlloc(t *testing.T) *mem.Allocator {
	a, err := mem.NewAllocator(mem.PageSize, 64*mem.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func newPT(t *testing.T, a *mem.Allocator) *PageTable {
	pt, err := New(a)
	require.NoError(t, err)
	return pt
}

func pteAt(pt *PageTable, va uint64) PTE {
	slot := pt.walk(va, false)
	if slot == nil {
		return 0
	}
	return loadPTE(slot)
}

func TestMapThenWalkAddr(t *testing.T) {
	a := testAlloc(t)
	pt := newPT(t, a)

	va := uint64(0x5000)
	pa := a.Alloc()
	require.NoError(t, pt.MapPages(va, mem.PageSize, pa, PteRead|PteWrite|PteUser))

	assert.Equal(t, pa, pt.WalkAddr(va))
	assert.Equal(t, mem.PhysAddr(0), pt.WalkAddr(va+mem.PageSize))
	assert.Equal(t, mem.PhysAddr(0), pt.WalkAddr(uint64(MaxVA)))
}

func TestWalkAddrRequiresUserAccess(t *testing.T) {
	a := testAlloc(t)
	pt := newPT(t, a)

	va := uint64(0x5000)
	pa := a.Alloc()
	require.NoError(t, pt.MapPages(va, mem.PageSize, pa, PteRead|PteWrite))

	assert.Equal(t, mem.PhysAddr(0), pt.WalkAddr(va))
}

func TestMapPagesCoversRange(t *testing.T) {
	a := testAlloc(t)
	pt := newPT(t, a)

	// a fresh free list hands frames out in descending address order,
	// so the third page is the lowest of three consecutive ones
	a.Alloc()
	a.Alloc()
	pa := a.Alloc()
	va := uint64(0x10000)
	require.NoError(t, pt.MapPages(va, 3*mem.PageSize, pa, PteRead|PteUser))

	for i := uint64(0); i < 3; i++ {
		assert.Equal(t, pa+mem.PhysAddr(i*mem.PageSize), pt.WalkAddr(va+i*mem.PageSize))
	}
}

func TestMapPagesRejectsRemap(t *testing.T) {
	a := testAlloc(t)
	pt := newPT(t, a)

	va := uint64(0x5000)
	pa := a.Alloc()
	require.NoError(t, pt.MapPages(va, mem.PageSize, pa, PteRead|PteUser))

	err := pt.MapPages(va, mem.PageSize, pa, PteRead|PteUser)
	assert.Error(t, err)
	assert.Equal(t, pa, pt.WalkAddr(va))
}

func TestMapPagesValidatesArguments(t *testing.T) {
	a := testAlloc(t)
	pt := newPT(t, a)
	pa := a.Alloc()

	assert.Panics(t, func() { pt.MapPages(0x100, mem.PageSize, pa, PteRead) })
	assert.Panics(t, func() { pt.MapPages(0x1000, 100, pa, PteRead) })
	assert.Panics(t, func() { pt.MapPages(0x1000, 0, pa, PteRead) })
	assert.Panics(t, func() { pt.MapPages(uint64(MaxVA), mem.PageSize, pa, PteRead) })
}

func TestWalkAllocatesIntermediateTables(t *testing.T) {
	a := testAlloc(t)
	free0 := a.FreePages()

	pt := newPT(t, a)
	assert.Equal(t, free0-1, a.FreePages())

	// the first mapping allocates a level-1 and a level-0 table
	pa := a.Alloc()
	require.NoError(t, pt.MapPages(0x3000, mem.PageSize, pa, PteRead|PteUser))
	assert.Equal(t, free0-4, a.FreePages())

	// a neighbouring page reuses them
	pa2 := a.Alloc()
	require.NoError(t, pt.MapPages(0x4000, mem.PageSize, pa2, PteRead|PteUser))
	assert.Equal(t, free0-5, a.FreePages())

	// a distant page needs a fresh pair
	pa3 := a.Alloc()
	require.NoError(t, pt.MapPages(1<<30, mem.PageSize, pa3, PteRead|PteUser))
	assert.Equal(t, free0-8, a.FreePages())
}

func TestMapFailsWhenTablePagesRunOut(t *testing.T) {
	a, err := mem.NewAllocator(mem.PageSize, 6*mem.PageSize)
	require.NoError(t, err)
	defer a.Close()

	pt := newPT(t, a)
	pa := a.Alloc()
	require.NoError(t, pt.MapPages(0x1000, mem.PageSize, pa, PteRead|PteUser))

	// all pages are spent on the root, two tables and the leaf
	assert.Equal(t, 1, a.FreePages())
	pa2 := a.Alloc()
	err = pt.MapPages(1<<30, mem.PageSize, pa2, PteRead|PteUser)
	assert.ErrorIs(t, err, ErrNoMemory)
}

func TestUnmapPagesFreesFrames(t *testing.T) {
	a := testAlloc(t)
	pt := newPT(t, a)

	va := uint64(0x8000)
	pa := a.Alloc()
	require.NoError(t, pt.MapPages(va, mem.PageSize, pa, PteRead|PteUser))
	freeBefore := a.FreePages()

	pt.UnmapPages(va, 1, true)
	assert.Equal(t, freeBefore+1, a.FreePages())
	assert.Equal(t, mem.PhysAddr(0), pt.WalkAddr(va))
}

func TestUnmapPagesKeepsFramesWithoutFree(t *testing.T) {
	a := testAlloc(t)
	pt := newPT(t, a)

	va := uint64(0x8000)
	pa := a.Alloc()
	require.NoError(t, pt.MapPages(va, mem.PageSize, pa, PteRead|PteUser))
	freeBefore := a.FreePages()

	pt.UnmapPages(va, 1, false)
	assert.Equal(t, freeBefore, a.FreePages())
	assert.Equal(t, 1, a.RefCount(pa))
}

func TestUnmapPagesPanicsOnMisuse(t *testing.T) {
	a := testAlloc(t)
	pt := newPT(t, a)

	assert.Panics(t, func() { pt.UnmapPages(0x100, 1, false) })
	assert.Panics(t, func() { pt.UnmapPages(0x5000, 1, false) })

	va := uint64(0x5000)
	pa := a.Alloc()
	require.NoError(t, pt.MapPages(va, mem.PageSize, pa, PteRead|PteUser))
	assert.Panics(t, func() { pt.UnmapPages(va, 2, false) })
}

func TestFreeReturnsEverything(t *testing.T) {
	a := testAlloc(t)
	free0 := a.FreePages()

	pt := newPT(t, a)
	vas := []uint64{0x1000, 0x5000, 1 << 25, 1 << 30, MaxVA - mem.PageSize}
	for _, va := range vas {
		pa := a.Alloc()
		require.NoError(t, pt.MapPages(va, mem.PageSize, pa, PteRead|PteWrite|PteUser))
	}
	assert.Less(t, a.FreePages(), free0)

	pt.Free()
	assert.Equal(t, free0, a.FreePages())
}

func TestNewFailsWithoutMemory(t *testing.T) {
	a, err := mem.NewAllocator(mem.PageSize, 2*mem.PageSize)
	require.NoError(t, err)
	defer a.Close()

	a.Alloc()
	_, err = New(a)
	assert.ErrorIs(t, err, ErrNoMemory)
}
