// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package isolate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// EventMask is the abstract readiness reported to a watching port, as an
// int64 message. Bits are given by shifting 1 by the constants below.
type EventMask uint32

const (
	// EventIn indicates the descriptor is readable, or for listening
	// sockets, that a connection is pending.
	EventIn EventMask = 1 << iota
	// EventOut indicates the descriptor is writable.
	EventOut
	// EventError indicates an error condition. It is only reported to
	// descriptors watched for EventIn.
	EventError
	// EventClose indicates the peer hung up, fully or for writing.
	EventClose
	// EventDestroyed is posted once, after the descriptor has been closed.
	EventDestroyed
)

const (
	// DefaultTokenCount is the number of notifications a port may receive
	// for a descriptor before it must return tokens.
	DefaultTokenCount = 16

	// TokenCountMask bounds the token count of a single ReturnToken.
	TokenCountMask = 0xff

	// DefaultMaxEvents is the number of readiness events handled per wakeup.
	DefaultMaxEvents = 16
)

// Control record layout.
const (
	commandClose         = 8
	commandShutdownRead  = 9
	commandShutdownWrite = 10
	commandReturnToken   = 11
	commandSetEventMask  = 12
	flagListeningSocket  = 16

	commandMask = 1<<commandClose | 1<<commandShutdownRead | 1<<commandShutdownWrite |
		1<<commandReturnToken | 1<<commandSetEventMask

	controlIDTimer    int64 = -1
	controlIDShutdown int64 = -2

	controlRecordSize = 24
)

// ErrPollerClosed is returned by operations on a shut down Poller.
var ErrPollerClosed = errors.New("isolate: poller closed")

type (
	// ReadyFlags is the readiness of a descriptor, as reported by a
	// Multiplexer.
	ReadyFlags uint32

	// Readiness is a single event from a Multiplexer.
	Readiness struct {
		FD    int
		Flags ReadyFlags
	}

	// Multiplexer waits for readiness of a set of file descriptors. It is
	// only used from the poller goroutine.
	Multiplexer interface {
		// Add registers fd for the EventIn and EventOut bits of interest.
		// Hang-up and error conditions are always reported.
		Add(fd int, interest EventMask, edgeTriggered bool) error
		Delete(fd int) error
		// Wait blocks until at least one event is ready, filling events.
		// It may return zero events, e.g. if interrupted.
		Wait(events []Readiness) (int, error)
		Close() error
	}

	// OSTimer is a single timer that becomes readable at its deadline.
	OSTimer interface {
		FD() int
		Arm(deadline time.Time) error
		Disarm() error
		// Drain consumes the expiration, so the descriptor is no longer
		// readable.
		Drain() error
		Close() error
	}

	// controlPipe carries control records to the poller goroutine. Writes of
	// a single record are atomic.
	controlPipe interface {
		ReadFD() int
		// Read returns zero without error if nothing is available.
		Read(b []byte) (int, error)
		Write(b []byte) error
		Close() error
	}

	// messagePoster delivers poller notifications, e.g. a PortRegistry.
	messagePoster interface {
		PostMessage(msg *Message) bool
	}
)

const (
	ReadyRead ReadyFlags = 1 << iota
	ReadyWrite
	ReadyError
	ReadyHangup
	ReadyReadHangup
)

type pollerConfig struct {
	logger        *logiface.Logger[logiface.Event]
	throttle      *throttle
	maxEvents     int
	initialTokens int
}

// Poller is the event multiplexer: a dedicated goroutine, locked to its OS
// thread, waiting for readiness of watched descriptors, a single OS timer,
// and a control pipe, and translating readiness into messages posted to the
// watching ports.
//
// All poller state is owned by that goroutine. Other goroutines only write
// control records to the pipe, see SetMask, ReturnToken, Close,
// ShutdownRead, ShutdownWrite and UpdateTimeout.
type Poller struct {
	mux         Multiplexer
	timer       OSTimer
	pipe        controlPipe
	poster      messagePoster
	logger      *logiface.Logger[logiface.Event]
	throttle    *throttle
	descriptors map[int]descriptor
	now         func() time.Time
	sysClose    func(fd int) error
	sysShutdown func(fd int, write bool) error
	done        chan struct{}
	events      []Readiness
	pending     []byte
	timeouts    timeoutQueue

	initialTokens int
	startOnce     sync.Once
	stopOnce      sync.Once
	stopped       atomic.Bool
	shutdown      bool
}

func newPoller(poster messagePoster, cfg pollerConfig, mux Multiplexer, timer OSTimer, pipe controlPipe) *Poller {
	if cfg.maxEvents <= 0 {
		cfg.maxEvents = DefaultMaxEvents
	}
	if cfg.initialTokens <= 0 {
		cfg.initialTokens = DefaultTokenCount
	}
	return &Poller{
		mux:           mux,
		timer:         timer,
		pipe:          pipe,
		poster:        poster,
		logger:        cfg.logger,
		throttle:      cfg.throttle,
		descriptors:   make(map[int]descriptor),
		now:           time.Now,
		sysClose:      func(int) error { return nil },
		sysShutdown:   func(int, bool) error { return nil },
		done:          make(chan struct{}),
		events:        make([]Readiness, cfg.maxEvents),
		initialTokens: cfg.initialTokens,
	}
}

// registerInternal adds the control pipe and timer to the multiplexer.
func (p *Poller) registerInternal() error {
	if err := p.mux.Add(p.pipe.ReadFD(), EventIn, false); err != nil {
		return fmt.Errorf("control pipe: %w", err)
	}
	if err := p.mux.Add(p.timer.FD(), EventIn, false); err != nil {
		return fmt.Errorf("timer: %w", err)
	}
	return nil
}

// Start runs the poller goroutine. Subsequent calls do nothing.
func (p *Poller) Start() {
	p.startOnce.Do(func() {
		go p.loop()
	})
}

// Done is closed once the poller goroutine has exited.
func (p *Poller) Done() <-chan struct{} { return p.done }

// Shutdown stops the poller goroutine, waits for it to exit, and releases
// its OS resources.
func (p *Poller) Shutdown(ctx context.Context) error {
	p.startOnce.Do(func() {
		// never started
		close(p.done)
	})
	p.stopOnce.Do(func() {
		if err := p.send(controlIDShutdown, IllegalPort, 0); err != nil {
			p.logger.Err().Err(err).Log(`isolate: failed to signal poller shutdown`)
		}
		p.stopped.Store(true)
	})
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return errors.Join(p.mux.Close(), p.timer.Close(), p.pipe.Close())
}

// SetMask sets the events of interest of port for fd, starting to watch fd
// if necessary. Descriptors start with the configured initial tokens, per
// port.
func (p *Poller) SetMask(fd int, port Port, mask EventMask, listening bool) error {
	data := int64(1<<commandSetEventMask) | int64(mask&(EventIn|EventOut))
	return p.sendFD(fd, port, data, listening)
}

// ReturnToken replenishes count notifications for port on fd, re-arming fd
// if it was exhausted.
func (p *Poller) ReturnToken(fd int, port Port, count int, listening bool) error {
	if count <= 0 || count > TokenCountMask {
		return fmt.Errorf("isolate: invalid token count: %d", count)
	}
	return p.sendFD(fd, port, int64(1<<commandReturnToken)|int64(count), listening)
}

// Close stops watching fd for port. Once no port watches fd it is closed.
// The port receives EventDestroyed.
func (p *Poller) Close(fd int, port Port, listening bool) error {
	return p.sendFD(fd, port, 1<<commandClose, listening)
}

// ShutdownRead shuts down the read side of the socket fd.
func (p *Poller) ShutdownRead(fd int, port Port) error {
	return p.sendFD(fd, port, 1<<commandShutdownRead, false)
}

// ShutdownWrite shuts down the write side of the socket fd.
func (p *Poller) ShutdownWrite(fd int, port Port) error {
	return p.sendFD(fd, port, 1<<commandShutdownWrite, false)
}

// UpdateTimeout sets or, with the zero time, cancels the timeout of port,
// replacing any previous timeout. When it fires, port receives a nil
// message.
func (p *Poller) UpdateTimeout(port Port, deadline time.Time) error {
	millis := int64(-1)
	if !deadline.IsZero() {
		millis = max(deadline.UnixMilli(), 0)
	}
	return p.send(controlIDTimer, port, millis)
}

func (p *Poller) sendFD(fd int, port Port, data int64, listening bool) error {
	if fd < 0 || fd > math.MaxInt32 {
		return fmt.Errorf("isolate: invalid file descriptor: %d", fd)
	}
	if listening {
		data |= 1 << flagListeningSocket
	}
	return p.send(int64(fd), port, data)
}

func (p *Poller) send(id int64, port Port, data int64) error {
	if p.stopped.Load() {
		return ErrPollerClosed
	}
	var b [controlRecordSize]byte
	binary.LittleEndian.PutUint64(b[0:], uint64(id))
	binary.LittleEndian.PutUint64(b[8:], uint64(port))
	binary.LittleEndian.PutUint64(b[16:], uint64(data))
	return p.pipe.Write(b[:])
}

func (p *Poller) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.done)

	for !p.shutdown {
		n, err := p.mux.Wait(p.events)
		if err != nil {
			p.logger.Crit().Err(err).Log(`isolate: poller wait failed`)
			p.stopped.Store(true)
			return
		}
		p.handleEvents(p.events[:n])
	}
}

// handleEvents processes one batch: descriptor events first, then the
// timer, then control records.
func (p *Poller) handleEvents(events []Readiness) {
	var timerFired, interrupted bool
	for _, ev := range events {
		switch ev.FD {
		case p.pipe.ReadFD():
			interrupted = true
		case p.timer.FD():
			timerFired = true
		default:
			p.handleDescriptorEvent(ev)
		}
	}
	if timerFired {
		p.handleTimeout()
	}
	if interrupted {
		p.handleControl()
	}
}

func (p *Poller) handleDescriptorEvent(ev Readiness) {
	d, ok := p.descriptors[ev.FD]
	if !ok || !d.info().registered || d.mask() == 0 {
		return
	}
	events := translateReadiness(ev.Flags, d.interest(), d.listening())
	if events == 0 {
		return
	}
	if events&EventError != 0 {
		d.notifyAll(p.postEvents, events)
	} else if port := d.nextNotifyPort(); port != IllegalPort {
		p.postEvents(port, events)
	}
	p.updateRegistration(d)
}

// translateReadiness maps multiplexer flags to an EventMask. Errors are only
// surfaced with read interest, and both kinds of hang-up map to EventClose.
func translateReadiness(flags ReadyFlags, interest EventMask, listening bool) EventMask {
	if listening {
		if flags&ReadyRead != 0 && interest&EventIn != 0 {
			return EventIn
		}
		return 0
	}
	var events EventMask
	if flags&ReadyRead != 0 && interest&EventIn != 0 {
		events |= EventIn
	}
	if flags&ReadyWrite != 0 && interest&EventOut != 0 {
		events |= EventOut
	}
	if flags&(ReadyHangup|ReadyReadHangup) != 0 {
		events |= EventClose
	}
	if flags&ReadyError != 0 && interest&EventIn != 0 {
		events |= EventError
	}
	return events
}

// updateRegistration keeps fd registered with the multiplexer if and only
// if it has interest and tokens.
func (p *Poller) updateRegistration(d descriptor) {
	info := d.info()
	want := d.mask()
	if info.registered && want == info.registeredMask {
		return
	}
	if info.registered {
		if err := p.mux.Delete(info.fd); err != nil {
			p.logger.Debug().Int(`fd`, info.fd).Err(err).Log(`isolate: poller failed to deregister descriptor`)
		}
		info.registered = false
		info.registeredMask = 0
	}
	if want == 0 || info.failed {
		return
	}
	if err := p.mux.Add(info.fd, want, !d.listening()); err != nil {
		info.failed = true
		if p.throttle.allow(throttleRegistration) {
			p.logger.Warning().Int(`fd`, info.fd).Err(err).Log(`isolate: poller failed to register descriptor`)
		}
		d.notifyAll(p.postEvents, EventClose)
		return
	}
	info.registered = true
	info.registeredMask = want
}

func (p *Poller) handleTimeout() {
	if err := p.timer.Drain(); err != nil {
		p.logger.Debug().Err(err).Log(`isolate: poller failed to drain timer`)
	}
	if port, deadline, ok := p.timeouts.current(); ok && deadline <= p.now().UnixMilli() {
		p.timeouts.removeCurrent()
		p.postValue(port, nil)
	}
	p.rearmTimer()
}

func (p *Poller) rearmTimer() {
	var err error
	if _, deadline, ok := p.timeouts.current(); ok {
		err = p.timer.Arm(time.UnixMilli(deadline))
	} else {
		err = p.timer.Disarm()
	}
	if err != nil {
		p.logger.Err().Err(err).Log(`isolate: poller failed to set timer`)
	}
}

func (p *Poller) handleControl() {
	var buf [controlRecordSize * 32]byte
	for {
		n, err := p.pipe.Read(buf[:])
		if err != nil {
			p.logger.Err().Err(err).Log(`isolate: poller failed to read control pipe`)
			return
		}
		if n == 0 {
			return
		}
		p.pending = append(p.pending, buf[:n]...)
		i := 0
		for ; len(p.pending)-i >= controlRecordSize; i += controlRecordSize {
			b := p.pending[i : i+controlRecordSize]
			p.handleControlRecord(
				int64(binary.LittleEndian.Uint64(b[0:])),
				Port(binary.LittleEndian.Uint64(b[8:])),
				int64(binary.LittleEndian.Uint64(b[16:])),
			)
		}
		p.pending = append(p.pending[:0], p.pending[i:]...)
		if n < len(buf) {
			return
		}
	}
}

func (p *Poller) handleControlRecord(id int64, port Port, data int64) {
	switch id {
	case controlIDTimer:
		p.timeouts.update(port, data)
		p.rearmTimer()
		return
	case controlIDShutdown:
		p.shutdown = true
		return
	}

	if id < 0 || id > math.MaxInt32 || data < 0 {
		p.malformedRecord(id, data)
		return
	}
	fd := int(id)
	listening := data&(1<<flagListeningSocket) != 0
	d := p.descriptors[fd]

	switch data & commandMask {
	case 1 << commandShutdownRead:
		if err := p.sysShutdown(fd, false); err != nil {
			p.logger.Debug().Int(`fd`, fd).Err(err).Log(`isolate: shutdown read failed`)
		}

	case 1 << commandShutdownWrite:
		if err := p.sysShutdown(fd, true); err != nil {
			p.logger.Debug().Int(`fd`, fd).Err(err).Log(`isolate: shutdown write failed`)
		}

	case 1 << commandClose:
		closeFD := true
		if d != nil {
			d.removePort(port)
			p.updateRegistration(d)
			if closeFD = d.empty(); closeFD {
				delete(p.descriptors, fd)
			}
		}
		if closeFD {
			if err := p.sysClose(fd); err != nil {
				p.logger.Debug().Int(`fd`, fd).Err(err).Log(`isolate: close failed`)
			}
		}
		p.postEvents(port, EventDestroyed)

	case 1 << commandReturnToken:
		if d == nil {
			return
		}
		d.returnTokens(port, int(data&TokenCountMask))
		p.updateRegistration(d)

	case 1 << commandSetEventMask:
		if d == nil {
			if listening {
				d = newListeningSocketData(fd, p.initialTokens)
			} else {
				d = newSocketData(fd, p.initialTokens)
			}
			p.descriptors[fd] = d
		} else if d.listening() != listening {
			p.malformedRecord(id, data)
			return
		}
		d.setPortAndMask(port, EventMask(data)&(EventIn|EventOut))
		p.updateRegistration(d)

	default:
		p.malformedRecord(id, data)
	}
}

func (p *Poller) malformedRecord(id, data int64) {
	if p.throttle.allow(throttleControlRecord) {
		p.logger.Warning().
			Int64(`id`, id).
			Int64(`data`, data).
			Log(`isolate: poller ignored malformed control record`)
	}
}

func (p *Poller) postEvents(port Port, events EventMask) {
	p.postValue(port, int64(events))
}

func (p *Poller) postValue(port Port, v Value) {
	b, err := Serialize(v)
	if err != nil {
		p.logger.Err().Err(err).Log(`isolate: poller failed to encode notification`)
		return
	}
	p.poster.PostMessage(NewMessage(port, b, PriorityNormal))
}
