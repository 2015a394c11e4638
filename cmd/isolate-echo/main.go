//go:build linux

// Command isolate-echo is a TCP echo server, run as an isolate program: the
// main isolate watches a listening socket with the runtime's poller, and
// echoes each connection's input back to it.
//
// Run with: go run ./cmd/isolate-echo -addr 127.0.0.1:7007 -timeout 1m
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/joeycumines/go-isolate"
	"github.com/joeycumines/logiface"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sys/unix"
)

const scriptURL = "isolate-echo:main"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "TOML config file")
		addr       = flag.String("addr", "127.0.0.1:7007", "listen address")
		timeout    = flag.Duration("timeout", 0, "stop accepting connections after this long, zero to run until interrupted")
	)
	flag.Parse()

	config := &isolate.Config{}
	if *configPath != "" {
		var err error
		if config, err = isolate.LoadConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
	}
	opts, err := config.Options(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	level, _ := isolate.ParseLevel(config.Log.Level)
	logger := isolate.NewLogger(os.Stderr, level)

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug().Log(fmt.Sprintf(format, args...))
	}))
	defer undo()
	if err != nil {
		logger.Warning().Err(err).Log(`failed to set GOMAXPROCS`)
	}

	opts = append(opts, isolate.WithProgramLoader(isolate.StaticLoader{
		scriptURL: isolate.NewScript(scriptURL, map[string]isolate.EntryPoint{
			"main": echoMain(logger),
		}),
	}))

	rt, err := isolate.New(opts...)
	if err != nil {
		logger.Crit().Err(err).Log(`failed to start runtime`)
		return isolate.ExitCodeRuntimeError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	args := []string{*addr}
	if *timeout > 0 {
		args = append(args, timeout.String())
	}
	runErr := rt.RunMain(ctx, scriptURL, args)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Err().Err(err).Log(`runtime shutdown failed`)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Err().Err(runErr).Log(`main isolate failed`)
	}
	return isolate.ExitCode(runErr)
}

// echoMain is the main function of the echo program. args are the listen
// address and, optionally, how long to accept connections for.
func echoMain(logger *logiface.Logger[logiface.Event]) isolate.EntryPoint {
	return func(iso *isolate.Isolate, args []string, _ isolate.Value) error {
		if len(args) == 0 || len(args) > 2 {
			return fmt.Errorf("usage: %s address [timeout]", scriptURL)
		}
		lfd, err := listen(args[0])
		if err != nil {
			return err
		}

		var (
			listener *isolate.FDWatch
			closed   bool
		)
		listener, err = iso.WatchFD(lfd, isolate.EventIn, true, func(events isolate.EventMask) error {
			if events&isolate.EventDestroyed != 0 {
				logger.Info().Log(`echo: listener closed`)
				return nil
			}
			if closed {
				return nil
			}
			for {
				cfd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
				if err == unix.EAGAIN {
					break
				}
				if err != nil {
					return fmt.Errorf("accept: %w", err)
				}
				if err := serve(iso, logger, cfd); err != nil {
					_ = unix.Close(cfd)
					logger.Warning().Err(err).Log(`echo: failed to watch connection`)
				}
			}
			return listener.ReturnToken(1)
		})
		if err != nil {
			_ = unix.Close(lfd)
			return err
		}
		logger.Info().Str(`addr`, args[0]).Log(`echo: listening`)

		if len(args) == 2 {
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return err
			}
			if _, err := iso.AfterFunc(d, func() error {
				closed = true
				return listener.Close()
			}); err != nil {
				return err
			}
		}
		return nil
	}
}

func listen(addr string) (int, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return -1, err
	}
	if !ap.Addr().Is4() {
		return -1, fmt.Errorf("listen %s: only IPv4 is supported", addr)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// conn is an accepted connection. It is only touched on the mutator.
type conn struct {
	logger  *logiface.Logger[logiface.Event]
	watch   *isolate.FDWatch
	pending []byte
	buf     [4096]byte
	fd      int
	mask    isolate.EventMask
	closed  bool
}

// serve echoes cfd until the peer hangs up. Reading stops while echoed
// bytes are waiting for the socket to become writable.
func serve(iso *isolate.Isolate, logger *logiface.Logger[logiface.Event], cfd int) error {
	c := &conn{logger: logger, fd: cfd, mask: isolate.EventIn}
	watch, err := iso.WatchFD(cfd, c.mask, false, c.handle)
	if err != nil {
		return err
	}
	c.watch = watch
	return nil
}

func (c *conn) handle(events isolate.EventMask) error {
	if events&isolate.EventDestroyed != 0 {
		c.logger.Debug().Int(`fd`, c.fd).Log(`echo: connection closed`)
		return nil
	}
	// notifications queued before close
	if c.closed {
		return nil
	}
	if events&isolate.EventError != 0 {
		return c.close()
	}

	if events&isolate.EventOut != 0 {
		if err := c.flush(); err != nil {
			return c.close()
		}
	}
	for len(c.pending) == 0 {
		n, err := unix.Read(c.fd, c.buf[:])
		if err == unix.EAGAIN {
			break
		}
		if err != nil || n == 0 {
			return c.close()
		}
		c.pending = append(c.pending[:0], c.buf[:n]...)
		if err := c.flush(); err != nil {
			return c.close()
		}
	}
	if events&isolate.EventClose != 0 && len(c.pending) == 0 {
		return c.close()
	}

	mask := isolate.EventIn
	if len(c.pending) != 0 {
		mask = isolate.EventOut
	}
	if mask != c.mask {
		if err := c.watch.SetMask(mask); err != nil {
			return err
		}
		c.mask = mask
	}
	return c.watch.ReturnToken(1)
}

// flush writes as much of pending as the socket accepts.
func (c *conn) flush() error {
	for len(c.pending) != 0 {
		n, err := unix.Write(c.fd, c.pending)
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
		c.pending = c.pending[n:]
	}
	c.pending = nil
	return nil
}

func (c *conn) close() error {
	c.closed = true
	c.pending = nil
	return c.watch.Close()
}
