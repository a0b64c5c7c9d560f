package buffer

import (
	"fmt"
	"github.com/naveen246/tern/clock"
	"github.com/naveen246/tern/disk"
	"github.com/sasha-s/go-deadlock"
	"sync"
)

/*
A Cache keeps copies of recently used disk blocks in a fixed pool of
buffers, so that repeated reads are served from memory and so that every
disk block has at most one in-memory copy for goroutines to synchronize on.

Buffers are spread across hash buckets by block number (blockno modulo the
bucket count). The buffers and one sentinel head per bucket live in a single
array; bucket membership is a circular doubly-linked list threaded through
the array by index:

bufs:   +------+------+------+------+----------+----------+
        | buf0 | buf1 | buf2 | buf3 | bucket 0 | bucket 1 |
        +------+------+------+------+----------+----------+
            ^____________________________|          |
                   prev/next indices     |__________|

At startup every buffer sits in bucket 0. Buffers migrate to a block's home
bucket when they are stolen to hold that block.

Lookup (bget) locks only the home bucket of the wanted block. On a hit the
buffer's refcnt is raised and the caller then takes the buffer's sleep lock,
possibly waiting for the previous holder. On a miss the lookup keeps the
home bucket locked and rotates through the buckets in modular order hunting
for a victim: the first bucket holding any buffer with refcnt 0 supplies the
one with the smallest timestamp, the least recently released. A victim from
another bucket is spliced out, its bucket lock is dropped, and it is
inserted at the head of the home bucket before being retargeted.

Holding the home bucket lock for the entire miss path is what keeps two
concurrent lookups for the same block from each installing a copy. When two
bucket locks are held together the home bucket's is always taken first.

The sleep lock is the only lock held across disk I/O. Bucket locks are held
briefly and never while sleeping.
*/

const (
	// DefaultBufs is the number of buffers a cache holds unless told otherwise.
	DefaultBufs = 30
	// DefaultBuckets is the default number of hash buckets.
	DefaultBuckets = 2
)

type bucket struct {
	mu sync.Mutex
	// head is the index of this bucket's sentinel in Cache.bufs
	head int32
}

// Cache is a fixed pool of buffers caching disk blocks.
// Block contents are reached through Read/Write/Release; Pin and Unpin
// keep a buffer resident across release and reacquire windows.
type Cache struct {
	clk   *clock.Clock
	nbufs int

	mu   deadlock.Mutex
	devs map[uint32]disk.Device

	// bufs[0:nbufs] are buffers, bufs[nbufs:] are the bucket sentinels
	bufs    []Buffer
	buckets []bucket
}

// NewCache creates a cache of nbufs buffers spread over nbuckets hash
// buckets. Timestamps for eviction are read from clk.
func NewCache(clk *clock.Clock, nbufs, nbuckets int) *Cache {
	if clk == nil {
		panic("buffer: cache needs a clock")
	}
	if nbufs < 1 {
		panic("buffer: cache needs at least one buffer")
	}
	if nbuckets < 1 {
		panic("buffer: cache needs at least one bucket")
	}

	c := &Cache{
		clk:     clk,
		nbufs:   nbufs,
		devs:    make(map[uint32]disk.Device),
		bufs:    make([]Buffer, nbufs+nbuckets),
		buckets: make([]bucket, nbuckets),
	}

	for i := range c.buckets {
		s := int32(nbufs + i)
		c.buckets[i].head = s
		c.bufs[s].prev = s
		c.bufs[s].next = s
	}

	// all buffers start out in bucket 0
	for i := 0; i < nbufs; i++ {
		c.bufs[i].lock.init()
		c.linkFront(int32(i), c.buckets[0].head)
	}
	return c
}

// Mount registers the device that will serve reads and writes for dev.
// Must be called before the first Read of a block on dev.
func (c *Cache) Mount(dev uint32, d disk.Device) {
	if d == nil {
		panic("buffer: mount of nil device")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.devs[dev]; ok {
		panic(fmt.Sprintf("buffer: device %v already mounted", dev))
	}
	c.devs[dev] = d
}

// Read returns a sleep-locked buffer holding the contents of the given
// block, reading it from the device if no buffer already caches it.
// The caller must hand the buffer back with Release.
func (c *Cache) Read(dev, blockno uint32) *Buffer {
	b := c.bget(dev, blockno)
	if !b.valid {
		c.device(dev).ReadBlock(blockno, b.Data[:])
		b.valid = true
	}
	return b
}

// Write sends the buffer's contents to the device.
// The caller must hold the buffer's sleep lock.
func (c *Cache) Write(b *Buffer) {
	if !b.lock.holding() {
		panic("buffer: write of unlocked buffer")
	}
	c.device(b.Dev).WriteBlock(b.Blockno, b.Data[:])
}

// Release gives up the buffer after use: the sleep lock is dropped, the
// buffer loses one user and its timestamp is refreshed.
// The caller must hold the buffer's sleep lock.
func (c *Cache) Release(b *Buffer) {
	if !b.lock.holding() {
		panic("buffer: release of unlocked buffer")
	}
	b.lock.release()

	bkt := c.bucketOf(b.Blockno)
	bkt.mu.Lock()
	if b.refcnt == 0 {
		bkt.mu.Unlock()
		panic("buffer: release of unreferenced buffer")
	}
	b.refcnt--
	b.timestamp = c.clk.Ticks()
	bkt.mu.Unlock()
}

// Pin adds a user to the buffer without taking its sleep lock, keeping it
// resident across a Release. The timestamp moves only on Read and Release.
func (c *Cache) Pin(b *Buffer) {
	bkt := c.bucketOf(b.Blockno)
	bkt.mu.Lock()
	b.refcnt++
	bkt.mu.Unlock()
}

// Unpin removes the user added by Pin.
func (c *Cache) Unpin(b *Buffer) {
	bkt := c.bucketOf(b.Blockno)
	bkt.mu.Lock()
	if b.refcnt == 0 {
		bkt.mu.Unlock()
		panic("buffer: unpin of unreferenced buffer")
	}
	b.refcnt--
	bkt.mu.Unlock()
}

// Available returns the number of buffers with no current users.
func (c *Cache) Available() int {
	n := 0
	for i := range c.buckets {
		bkt := &c.buckets[i]
		bkt.mu.Lock()
		for j := c.bufs[bkt.head].next; j != bkt.head; j = c.bufs[j].next {
			if c.bufs[j].refcnt == 0 {
				n++
			}
		}
		bkt.mu.Unlock()
	}
	return n
}

// bget returns a sleep-locked buffer assigned to the given block, without
// reading its contents. On a miss the least recently released buffer with
// no users is retargeted, migrating it to the block's home bucket if it
// was stolen from another one.
func (c *Cache) bget(dev, blockno uint32) *Buffer {
	bid := c.bucketID(blockno)
	home := &c.buckets[bid]

	home.mu.Lock()

	// Is the block already cached?
	for i := c.bufs[home.head].next; i != home.head; i = c.bufs[i].next {
		b := &c.bufs[i]
		if b.Dev == dev && b.Blockno == blockno {
			b.refcnt++
			b.timestamp = c.clk.Ticks()
			home.mu.Unlock()
			b.lock.acquire()
			return b
		}
	}

	// Not cached. Rotate through the buckets starting at home; the first
	// bucket holding any unused buffer supplies the victim.
	for k := 0; k < len(c.buckets); k++ {
		vid := (bid + k) % len(c.buckets)
		vb := &c.buckets[vid]
		if vid != bid {
			vb.mu.Lock()
		}

		victim := int32(-1)
		for i := c.bufs[vb.head].next; i != vb.head; i = c.bufs[i].next {
			b := &c.bufs[i]
			if b.refcnt == 0 && (victim == -1 || b.timestamp < c.bufs[victim].timestamp) {
				victim = i
			}
		}
		if victim == -1 {
			if vid != bid {
				vb.mu.Unlock()
			}
			continue
		}

		if vid != bid {
			c.unlink(victim)
			vb.mu.Unlock()
			c.linkFront(victim, home.head)
		}

		b := &c.bufs[victim]
		b.Dev = dev
		b.Blockno = blockno
		b.valid = false
		b.refcnt = 1
		b.timestamp = c.clk.Ticks()
		home.mu.Unlock()
		b.lock.acquire()
		return b
	}

	panic("bget: no buffers")
}

func (c *Cache) bucketID(blockno uint32) int {
	return int(blockno) % len(c.buckets)
}

func (c *Cache) bucketOf(blockno uint32) *bucket {
	return &c.buckets[c.bucketID(blockno)]
}

func (c *Cache) device(dev uint32) disk.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devs[dev]
	if !ok {
		panic(fmt.Sprintf("buffer: unknown device %v", dev))
	}
	return d
}

// unlink removes buffer i from the list it is on.
func (c *Cache) unlink(i int32) {
	b := &c.bufs[i]
	c.bufs[b.prev].next = b.next
	c.bufs[b.next].prev = b.prev
}

// linkFront inserts buffer i at the head of the list with sentinel s.
func (c *Cache) linkFront(i, s int32) {
	b := &c.bufs[i]
	b.next = c.bufs[s].next
	b.prev = s
	c.bufs[c.bufs[s].next].prev = i
	c.bufs[s].next = i
}

// for debugging
func (c *Cache) printStatus() {
	for i := range c.buckets {
		bkt := &c.buckets[i]
		bkt.mu.Lock()
		fmt.Printf("bucket %v\n", i)
		for j := c.bufs[bkt.head].next; j != bkt.head; j = c.bufs[j].next {
			fmt.Println("  ", c.bufs[j].String())
		}
		bkt.mu.Unlock()
	}
	fmt.Println()
}
