package buffer

import (
	"github.com/petermattis/goid"
	"github.com/sasha-s/go-deadlock"
	"sync"
)

// sleepLock is a long-term lock that may be held across disk I/O.
// A goroutine that finds it taken waits on a condition variable instead
// of spinning. The inner mutex guards only the flag and the holder id
// and is never held while blocked.
type sleepLock struct {
	mu     deadlock.Mutex
	cond   *sync.Cond
	locked bool
	holder int64
}

func (lk *sleepLock) init() {
	lk.cond = sync.NewCond(&lk.mu)
}

func (lk *sleepLock) acquire() {
	lk.mu.Lock()
	for lk.locked {
		lk.cond.Wait()
	}
	lk.locked = true
	lk.holder = goid.Get()
	lk.mu.Unlock()
}

func (lk *sleepLock) release() {
	lk.mu.Lock()
	lk.locked = false
	lk.holder = 0
	lk.cond.Signal()
	lk.mu.Unlock()
}

// holding reports whether the calling goroutine holds the lock.
func (lk *sleepLock) holding() bool {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	return lk.locked && lk.holder == goid.Get()
}
