package isolate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterruptWord_ScheduleTake(t *testing.T) {
	var x interruptWord
	assert.False(t, x.poll())

	x.schedule(InterruptMessage)
	x.schedule(InterruptVM)
	x.schedule(InterruptMessage)
	assert.True(t, x.poll())

	assert.Equal(t, InterruptMessage|InterruptVM, x.take())
	assert.False(t, x.poll())
	assert.Zero(t, x.take())

	// unknown bits are dropped
	x.schedule(1 << 7)
	assert.False(t, x.poll())
}

func TestInterruptWord_Defer(t *testing.T) {
	var x interruptWord
	x.schedule(InterruptVM)

	x.deferInterrupts()
	assert.False(t, x.poll())
	x.schedule(InterruptMessage)
	assert.False(t, x.poll())

	x.deferInterrupts()
	x.restore()
	assert.False(t, x.poll(), "still deferred by the outer call")

	x.restore()
	assert.True(t, x.poll())
	assert.Equal(t, InterruptMessage|InterruptVM, x.take())

	// unbalanced restore is ignored
	x.restore()
	x.schedule(InterruptVM)
	assert.True(t, x.poll())
}

func TestInterruptWord_Reset(t *testing.T) {
	var x interruptWord
	x.deferInterrupts()
	x.schedule(InterruptMessage)
	x.reset()
	x.restore()
	assert.False(t, x.poll())

	// reset also drops the defer nesting
	x.deferInterrupts()
	x.deferInterrupts()
	x.reset()
	x.schedule(InterruptVM)
	assert.True(t, x.poll())
	assert.Equal(t, InterruptVM, x.take())
}

func TestInterruptWord_Concurrent(t *testing.T) {
	var x interruptWord
	var wg sync.WaitGroup
	var mu sync.Mutex
	var seen InterruptBits
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				x.schedule(InterruptMessage)
			} else {
				x.schedule(InterruptVM)
			}
		}()
		go func() {
			defer wg.Done()
			bits := x.take()
			mu.Lock()
			seen |= bits
			mu.Unlock()
		}()
	}
	wg.Wait()
	seen |= x.take()
	assert.Equal(t, InterruptMessage|InterruptVM, seen)
}
