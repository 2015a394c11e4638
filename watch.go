package isolate

import (
	"fmt"
	"time"
)

// FDWatch is a file descriptor watched by the Poller, delivering readiness
// to a receive port of the watching isolate. Notifications consume tokens,
// which must be returned with ReturnToken to keep receiving them.
type FDWatch struct {
	iso       *Isolate
	rp        *ReceivePort
	fd        int
	listening bool
}

// WatchFD starts watching fd for mask, calling fn on the mutator with the
// readiness of each notification. The last notification is EventDestroyed,
// after Close, at which point fd has been closed (unless other isolates
// still watch a listening socket). It must be called on the mutator.
func (iso *Isolate) WatchFD(fd int, mask EventMask, listening bool, fn func(events EventMask) error) (*FDWatch, error) {
	poller := iso.rt.poller
	if poller == nil {
		return nil, ErrPollerUnavailable
	}
	w := &FDWatch{iso: iso, fd: fd, listening: listening}
	rp, err := iso.NewReceivePort(func(v Value) error {
		bits, ok := v.(int64)
		if !ok {
			return fmt.Errorf("isolate: unexpected poller notification: %v", v)
		}
		events := EventMask(bits)
		if events&EventDestroyed != 0 {
			w.rp.Close()
		}
		return fn(events)
	})
	if err != nil {
		return nil, err
	}
	w.rp = rp
	if err := poller.SetMask(fd, rp.Port(), mask, listening); err != nil {
		rp.Close()
		return nil, err
	}
	return w, nil
}

func (w *FDWatch) FD() int { return w.fd }

// Port returns the port notifications are delivered to.
func (w *FDWatch) Port() Port { return w.rp.Port() }

// SetMask replaces the events of interest.
func (w *FDWatch) SetMask(mask EventMask) error {
	return w.iso.rt.poller.SetMask(w.fd, w.rp.Port(), mask, w.listening)
}

// ReturnToken replenishes count notifications.
func (w *FDWatch) ReturnToken(count int) error {
	return w.iso.rt.poller.ReturnToken(w.fd, w.rp.Port(), count, w.listening)
}

// Close stops watching, and closes the descriptor once nothing else watches
// it. EventDestroyed is delivered once that is done.
func (w *FDWatch) Close() error {
	return w.iso.rt.poller.Close(w.fd, w.rp.Port(), w.listening)
}

func (w *FDWatch) ShutdownRead() error {
	return w.iso.rt.poller.ShutdownRead(w.fd, w.rp.Port())
}

func (w *FDWatch) ShutdownWrite() error {
	return w.iso.rt.poller.ShutdownWrite(w.fd, w.rp.Port())
}

// Timer is a one-shot timeout, driven by the Poller's timer.
type Timer struct {
	iso *Isolate
	rp  *ReceivePort
}

// AfterFunc calls fn on the mutator once d has elapsed, with millisecond
// precision. The pending timer keeps the isolate alive. It must be called
// on the mutator.
func (iso *Isolate) AfterFunc(d time.Duration, fn func() error) (*Timer, error) {
	return iso.At(time.Now().Add(d), fn)
}

// At is like AfterFunc, with an absolute deadline.
func (iso *Isolate) At(deadline time.Time, fn func() error) (*Timer, error) {
	poller := iso.rt.poller
	if poller == nil {
		return nil, ErrPollerUnavailable
	}
	t := &Timer{iso: iso}
	rp, err := iso.NewReceivePort(func(Value) error {
		if !t.rp.Close() {
			return nil
		}
		return fn()
	})
	if err != nil {
		return nil, err
	}
	t.rp = rp
	if err := poller.UpdateTimeout(rp.Port(), deadline); err != nil {
		rp.Close()
		return nil, err
	}
	return t, nil
}

// Stop cancels the timer, returning false if it already fired or was
// stopped.
func (t *Timer) Stop() bool {
	if !t.rp.Close() {
		return false
	}
	if err := t.iso.rt.poller.UpdateTimeout(t.rp.Port(), time.Time{}); err != nil {
		t.iso.rt.logger.Debug().Err(err).Log(`isolate: failed to cancel timer`)
	}
	return true
}
