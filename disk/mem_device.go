package disk

import (
	"github.com/sasha-s/go-deadlock"
	"sync/atomic"
)

// MemDevice is an in-memory Device backed by a sparse block map.
// Blocks that were never written read back as zeroes.
// Reads and Writes count the transfers that actually reached the device,
// which lets tests verify how often a cache went to disk.
type MemDevice struct {
	mu     deadlock.Mutex
	blocks map[uint32][]byte

	reads  atomic.Int64
	writes atomic.Int64
}

func NewMemDevice() *MemDevice {
	return &MemDevice{
		blocks: make(map[uint32][]byte),
	}
}

func (d *MemDevice) ReadBlock(blockno uint32, data []byte) {
	checkBlockBuf(data)
	d.reads.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	block, ok := d.blocks[blockno]
	if !ok {
		clear(data)
		return
	}
	copy(data, block)
}

func (d *MemDevice) WriteBlock(blockno uint32, data []byte) {
	checkBlockBuf(data)
	d.writes.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	block, ok := d.blocks[blockno]
	if !ok {
		block = make([]byte, BlockSize)
		d.blocks[blockno] = block
	}
	copy(block, data)
}

func (d *MemDevice) Reads() int64 {
	return d.reads.Load()
}

func (d *MemDevice) Writes() int64 {
	return d.writes.Load()
}
