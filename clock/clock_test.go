package clock

import (
	"github.com/stretchr/testify/assert"
	"sync"
	"testing"
)

func TestTickAdvances(t *testing.T) {
	clk := New()
	assert.Equal(t, uint64(0), clk.Ticks())

	clk.Tick()
	clk.Tick()
	clk.Tick()
	assert.Equal(t, uint64(3), clk.Ticks())
}

func TestTicksNeverDecrease(t *testing.T) {
	clk := New()
	prev := clk.Ticks()
	for i := 0; i < 100; i++ {
		clk.Tick()
		cur := clk.Ticks()
		assert.Greater(t, cur, prev)
		prev = cur
	}
}

func TestConcurrentTicks(t *testing.T) {
	clk := New()
	goroutines := 8
	ticksEach := 1000

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < ticksEach; j++ {
				clk.Tick()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(goroutines*ticksEach), clk.Ticks())
}
