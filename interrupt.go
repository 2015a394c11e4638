package isolate

import (
	"sync"
	"sync/atomic"
)

// InterruptBits are requests delivered to a running isolate, observed at its
// next CheckInterrupts.
type InterruptBits uint32

const (
	// InterruptMessage requests that the OOB lane be drained.
	InterruptMessage InterruptBits = 1 << iota
	// InterruptVM requests a runtime specific action, see WithVMInterruptHandler.
	InterruptVM

	interruptMask = InterruptMessage | InterruptVM
)

// interruptWord is the only signaling channel into a running isolate.
//
// pending is read without locking (a single load on the hot path); every
// mutation happens under mu. While interrupts are deferred, newly scheduled
// bits accumulate in deferred instead, and are released by restore.
type interruptWord struct {
	pending    atomic.Uint32
	mu         sync.Mutex
	deferred   InterruptBits
	deferDepth int
}

// poll reports whether any interrupt is pending.
func (x *interruptWord) poll() bool {
	return x.pending.Load() != 0
}

func (x *interruptWord) schedule(bits InterruptBits) {
	bits &= interruptMask
	x.mu.Lock()
	if x.deferDepth > 0 {
		x.deferred |= bits
	} else {
		x.pending.Or(uint32(bits))
	}
	x.mu.Unlock()
}

// take clears and returns the pending bits.
func (x *interruptWord) take() InterruptBits {
	x.mu.Lock()
	bits := InterruptBits(x.pending.Swap(0))
	x.mu.Unlock()
	return bits
}

// deferInterrupts moves the pending bits aside, until a matching restore.
func (x *interruptWord) deferInterrupts() {
	x.mu.Lock()
	x.deferDepth++
	x.deferred |= InterruptBits(x.pending.Swap(0))
	x.mu.Unlock()
}

func (x *interruptWord) restore() {
	x.mu.Lock()
	if x.deferDepth > 0 {
		x.deferDepth--
		if x.deferDepth == 0 && x.deferred != 0 {
			x.pending.Or(uint32(x.deferred))
			x.deferred = 0
		}
	}
	x.mu.Unlock()
}

func (x *interruptWord) reset() {
	x.mu.Lock()
	x.pending.Store(0)
	x.deferred = 0
	x.deferDepth = 0
	x.mu.Unlock()
}
