package isolate

import (
	crand "crypto/rand"
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/joeycumines/logiface"
)

// PortState describes how a port contributes to keeping its isolate alive.
type PortState uint8

const (
	// PortStateNew is the initial state of a created port. It does not keep
	// the owning handler alive.
	PortStateNew PortState = iota
	// PortStateLive ports keep the owning handler alive.
	PortStateLive
	// PortStateControl ports, such as an isolate's main port, accept
	// messages without keeping the owning handler alive.
	PortStateControl
)

// ErrPortClosed is returned for operations on a port that is not open.
var ErrPortClosed = errors.New("isolate: port closed")

// PortRegistry maps ports to their owning message handlers. All operations,
// including the lookup performed while posting, are serialized under one
// lock, so that a message can never be enqueued on a handler after its ports
// have been closed.
type PortRegistry struct {
	ports    map[Port]*portEntry
	rng      *rand.ChaCha8
	logger   *logiface.Logger[logiface.Event]
	throttle *throttle
	mu       sync.Mutex
}

type portEntry struct {
	handler *MessageHandler
	state   PortState
}

// NewPortRegistry creates an empty registry. The logger may be nil.
func NewPortRegistry(logger *logiface.Logger[logiface.Event]) *PortRegistry {
	return newPortRegistry(logger, newThrottle())
}

func newPortRegistry(logger *logiface.Logger[logiface.Event], throttle *throttle) *PortRegistry {
	var seed [32]byte
	_, _ = crand.Read(seed[:])
	return &PortRegistry{
		ports:    make(map[Port]*portEntry),
		rng:      rand.NewChaCha8(seed),
		logger:   logger,
		throttle: throttle,
	}
}

// CreatePort allocates a new port, in PortStateNew, owned by handler.
func (r *PortRegistry) CreatePort(handler *MessageHandler) Port {
	if handler == nil {
		panic("isolate: nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		port := Port(r.rng.Uint64())
		if port == IllegalPort {
			continue
		}
		if _, ok := r.ports[port]; ok {
			continue
		}
		r.ports[port] = &portEntry{handler: handler, state: PortStateNew}
		return port
	}
}

// SetPortState changes the state of an open port, maintaining the live port
// count of its handler.
func (r *PortRegistry) SetPortState(port Port, state PortState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.ports[port]
	if !ok {
		return ErrPortClosed
	}
	if entry.state == state {
		return nil
	}
	if entry.state == PortStateLive {
		entry.handler.livePorts.Add(-1)
	} else if state == PortStateLive {
		entry.handler.livePorts.Add(1)
	}
	entry.state = state
	return nil
}

// ClosePort removes a single port, returning false if it was not open.
func (r *PortRegistry) ClosePort(port Port) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.ports[port]
	if !ok {
		return false
	}
	if entry.state == PortStateLive {
		entry.handler.livePorts.Add(-1)
	}
	delete(r.ports, port)
	return true
}

// ClosePorts removes every port owned by handler, and discards any messages
// still queued on it.
func (r *PortRegistry) ClosePorts(handler *MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for port, entry := range r.ports {
		if entry.handler != handler {
			continue
		}
		if entry.state == PortStateLive {
			handler.livePorts.Add(-1)
		}
		delete(r.ports, port)
	}
	handler.closeAllPorts()
}

// IsLocalPort reports whether port is open and owned by handler.
func (r *PortRegistry) IsLocalPort(port Port, handler *MessageHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.ports[port]
	return ok && entry.handler == handler
}

// Len returns the number of open ports.
func (r *PortRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ports)
}

// PostMessage enqueues msg on the handler owning its destination. It
// returns false if the destination is not open, in which case the message
// is dropped, after being redirected to its delivery failure port, if any.
func (r *PortRegistry) PostMessage(msg *Message) bool {
	return r.postMessage(msg, false)
}

func (r *PortRegistry) postMessage(msg *Message, atHead bool) bool {
	r.mu.Lock()
	if entry, ok := r.ports[msg.dest]; ok {
		entry.handler.PostMessage(msg, atHead)
		r.mu.Unlock()
		return true
	}
	redirected, ok := msg.redirect()
	if ok {
		if entry, found := r.ports[redirected.dest]; found {
			entry.handler.PostMessage(redirected, false)
		} else {
			ok = false
		}
	}
	r.mu.Unlock()

	if r.throttle.allow(throttleUndeliverable) {
		r.logger.Debug().
			Uint64(`port`, uint64(msg.dest)).
			Stringer(`priority`, msg.priority).
			Bool(`redirected`, ok).
			Log(`isolate: message to closed port dropped`)
	}
	return false
}
