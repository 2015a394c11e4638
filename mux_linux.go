//go:build linux

package isolate

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// epollMux implements Multiplexer using epoll. Peer half-close is always
// reported, and descriptors other than listening sockets are edge
// triggered.
type epollMux struct {
	buf  []unix.EpollEvent
	epfd int
}

func newEpollMux(maxEvents int) (*epollMux, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollMux{epfd: epfd, buf: make([]unix.EpollEvent, maxEvents)}, nil
}

func (x *epollMux) Add(fd int, interest EventMask, edgeTriggered bool) error {
	events := uint32(unix.EPOLLRDHUP)
	if interest&EventIn != 0 {
		events |= unix.EPOLLIN
	}
	if interest&EventOut != 0 {
		events |= unix.EPOLLOUT
	}
	if edgeTriggered {
		events |= unix.EPOLLET
	}
	return unix.EpollCtl(x.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

func (x *epollMux) Delete(fd int) error {
	return unix.EpollCtl(x.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (x *epollMux) Wait(events []Readiness) (int, error) {
	buf := x.buf
	if len(events) < len(buf) {
		buf = buf[:len(events)]
	}
	n, err := unix.EpollWait(x.epfd, buf, -1)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := range n {
		events[i] = Readiness{FD: int(buf[i].Fd), Flags: epollToReady(buf[i].Events)}
	}
	return n, nil
}

func (x *epollMux) Close() error {
	return unix.Close(x.epfd)
}

func epollToReady(events uint32) ReadyFlags {
	var flags ReadyFlags
	if events&unix.EPOLLIN != 0 {
		flags |= ReadyRead
	}
	if events&unix.EPOLLOUT != 0 {
		flags |= ReadyWrite
	}
	if events&unix.EPOLLERR != 0 {
		flags |= ReadyError
	}
	if events&unix.EPOLLHUP != 0 {
		flags |= ReadyHangup
	}
	if events&unix.EPOLLRDHUP != 0 {
		flags |= ReadyReadHangup
	}
	return flags
}

// timerFD implements OSTimer using a realtime timerfd, armed with absolute
// deadlines.
type timerFD struct {
	fd int
}

func newTimerFD() (*timerFD, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_REALTIME, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &timerFD{fd: fd}, nil
}

func (x *timerFD) FD() int { return x.fd }

func (x *timerFD) Arm(deadline time.Time) error {
	ns := deadline.UnixNano()
	if ns <= 0 {
		// a zero it_value disarms, so fire as soon as possible instead
		ns = 1
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(ns)}
	return unix.TimerfdSettime(x.fd, unix.TFD_TIMER_ABSTIME, &spec, nil)
}

func (x *timerFD) Disarm() error {
	return unix.TimerfdSettime(x.fd, 0, &unix.ItimerSpec{}, nil)
}

func (x *timerFD) Drain() error {
	var b [8]byte
	_, err := unix.Read(x.fd, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (x *timerFD) Close() error {
	return unix.Close(x.fd)
}

// osPipe implements controlPipe. The read end is non-blocking. The write
// end blocks, and records are smaller than PIPE_BUF, so each write is
// atomic.
type osPipe struct {
	r, w int
}

func newOSPipe() (*osPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, err
	}
	return &osPipe{r: fds[0], w: fds[1]}, nil
}

func (x *osPipe) ReadFD() int { return x.r }

func (x *osPipe) Read(b []byte) (int, error) {
	for {
		n, err := unix.Read(x.r, b)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, nil
		default:
			return 0, err
		}
	}
}

func (x *osPipe) Write(b []byte) error {
	for len(b) != 0 {
		n, err := unix.Write(x.w, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (x *osPipe) Close() error {
	return errors.Join(unix.Close(x.r), unix.Close(x.w))
}

// newPlatformPoller creates a Poller backed by epoll. Failure to create any
// of the OS primitives is fatal.
func newPlatformPoller(poster messagePoster, logger *logiface.Logger[logiface.Event], t *throttle, maxEvents, initialTokens int) (*Poller, error) {
	mux, err := newEpollMux(maxEvents)
	if err != nil {
		return nil, fmt.Errorf("%w: epoll: %w", ErrFatal, err)
	}
	timer, err := newTimerFD()
	if err != nil {
		_ = mux.Close()
		return nil, fmt.Errorf("%w: timerfd: %w", ErrFatal, err)
	}
	pipe, err := newOSPipe()
	if err != nil {
		_ = mux.Close()
		_ = timer.Close()
		return nil, fmt.Errorf("%w: pipe: %w", ErrFatal, err)
	}
	p := newPoller(poster, pollerConfig{
		logger:        logger,
		throttle:      t,
		maxEvents:     maxEvents,
		initialTokens: initialTokens,
	}, mux, timer, pipe)
	p.sysClose = unix.Close
	p.sysShutdown = func(fd int, write bool) error {
		how := unix.SHUT_RD
		if write {
			how = unix.SHUT_WR
		}
		return unix.Shutdown(fd, how)
	}
	if err := p.registerInternal(); err != nil {
		_ = mux.Close()
		_ = timer.Close()
		_ = pipe.Close()
		return nil, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	return p, nil
}
