package buffer

import (
	"fmt"
	"github.com/naveen246/tern/disk"
)

// Buffer is one slot of the cache: a block-sized piece of memory tied to
// a disk block, plus the state the cache needs to manage it.
//
// Dev, Blockno, refcnt and timestamp are guarded by the lock of the
// bucket the buffer currently lives in. Data and valid belong to the
// holder of the sleep lock; the miss path may reset them, but only
// before the buffer has any users.
type Buffer struct {
	Dev     uint32
	Blockno uint32
	Data    [disk.BlockSize]byte

	lock  sleepLock
	valid bool

	// refcnt counts the users holding or waiting for this buffer.
	// While refcnt > 0 the buffer is never retargeted to another block.
	refcnt uint32

	// timestamp is the tick count of the last Read or Release.
	// Eviction picks the unused buffer with the smallest timestamp.
	timestamp uint64

	// bucket list links, indices into Cache.bufs
	prev int32
	next int32
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer [dev %v block %v] valid: %v, refcnt: %v", b.Dev, b.Blockno, b.valid, b.refcnt)
}
