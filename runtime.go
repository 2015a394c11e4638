package isolate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// Runtime owns the process wide state shared by isolates: the PortRegistry,
// the isolate Registry, the ThreadPool isolates run on, and the Poller.
type Runtime struct {
	opts     *runtimeOptions
	logger   *logiface.Logger[logiface.Event]
	throttle *throttle
	ports    *PortRegistry
	isolates *Registry
	pool     *ThreadPool
	poller   *Poller
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
}

// New creates a Runtime. Failure to create the event multiplexer's OS
// primitives is fatal (wrapping ErrFatal); on platforms without one, the
// runtime runs without I/O support.
func New(opts ...Option) (*Runtime, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		opts:     cfg,
		logger:   cfg.logger,
		throttle: newThrottle(),
		isolates: newRegistry(),
	}
	rt.ports = newPortRegistry(cfg.logger, rt.throttle)
	rt.pool = NewThreadPool(&ThreadPoolConfig{
		Logger:      cfg.logger,
		MaxWorkers:  cfg.maxWorkers,
		IdleTimeout: cfg.workerIdleTimeout,
	})

	if !cfg.pollerDisabled {
		poller, err := newPlatformPoller(rt.ports, cfg.logger, rt.throttle, cfg.pollerMaxEvents, cfg.initialTokens)
		switch {
		case err == nil:
			poller.Start()
			rt.poller = poller
		case errors.Is(err, ErrPollerUnavailable):
			rt.logger.Notice().Err(err).Log(`isolate: running without event multiplexer`)
		default:
			_ = rt.pool.Shutdown(context.Background())
			return nil, err
		}
	}

	rt.ctx, rt.cancel = context.WithCancel(context.Background())
	return rt, nil
}

func (rt *Runtime) Ports() *PortRegistry { return rt.ports }

func (rt *Runtime) Isolates() *Registry { return rt.isolates }

func (rt *Runtime) Pool() *ThreadPool { return rt.pool }

// Poller returns the event multiplexer, or nil if it is disabled or
// unsupported.
func (rt *Runtime) Poller() *Poller { return rt.poller }

func (rt *Runtime) Logger() *logiface.Logger[logiface.Event] { return rt.logger }

// Spawn creates an isolate for state and makes it runnable, scheduling it.
func (rt *Runtime) Spawn(state *SpawnState) (*Isolate, error) {
	if state == nil {
		return nil, errors.New("isolate: nil spawn state")
	}
	iso, err := rt.NewIsolate(IsolateConfig{Spawn: state})
	if err != nil {
		return nil, err
	}
	if err := iso.MakeRunnable(); err != nil {
		iso.shutdown(StatusShutdown)
		return nil, err
	}
	return iso, nil
}

// RunMain runs the main function of scriptURL, loaded by the configured
// ProgramLoader, in a new isolate, waiting until that isolate exits. It
// returns the error that terminated it, if any, excluding kills; see
// ExitCode.
func (rt *Runtime) RunMain(ctx context.Context, scriptURL string, args []string) error {
	state, err := NewSpawnURIState(SendPort{}, scriptURL, args, nil, SpawnOptions{DebugName: "main"})
	if err != nil {
		return err
	}
	iso, err := rt.Spawn(state)
	if err != nil {
		return err
	}
	select {
	case <-iso.Done():
	case <-ctx.Done():
		iso.killInternal()
		return ctx.Err()
	}
	if err := iso.StickyError(); err != nil && !IsUnwind(err) {
		return err
	}
	return nil
}

// PostValue serializes v, posting it to port. It returns false if the value
// could not be encoded, or the port is closed.
func (rt *Runtime) PostValue(port Port, v Value, priority Priority) bool {
	b, err := Serialize(v)
	if err != nil {
		rt.logger.Debug().Err(err).Log(`isolate: failed to encode value`)
		return false
	}
	return rt.ports.PostMessage(NewMessage(port, b, priority))
}

// postControl posts an isolate library request, as an OOB message.
func (rt *Runtime) postControl(port Port, req ControlRequest) bool {
	return rt.PostValue(port, req.encode(), PriorityOOB)
}

// Shutdown stops creation of isolates, kills every registered isolate, and
// waits for them to be destroyed before stopping the Poller and ThreadPool.
// Isolates running code that never calls CheckInterrupts may prevent it
// returning before ctx is done.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if !rt.closed.CompareAndSwap(false, true) {
		return ErrRuntimeClosed
	}

	rt.isolates.DisableCreation()
	isolates := rt.isolates.Snapshot()
	killed := rt.isolates.KillAll()
	rt.logger.Info().
		Int(`isolates`, len(isolates)).
		Int(`killed`, killed).
		Log(`isolate: runtime shutting down`)

	var g errgroup.Group
	for _, iso := range isolates {
		g.Go(func() error {
			select {
			case <-iso.Done():
				return nil
			case <-ctx.Done():
				return fmt.Errorf("isolate: %s (%d): %w", iso.Name(), iso.ID(), ctx.Err())
			}
		})
	}
	waitErr := g.Wait()

	var errs []error
	if waitErr != nil {
		errs = append(errs, waitErr)
	}
	rt.cancel()
	if rt.poller != nil {
		if err := rt.poller.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("isolate: poller: %w", err))
		}
	}
	if err := rt.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("isolate: thread pool: %w", err))
	}
	return errors.Join(errs...)
}
