// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package isolate

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

type (
	// Heap is the opaque memory of an isolate. The garbage collector is
	// outside this package; the runtime only owns the heap's lifetime.
	Heap interface {
		// Close releases the heap. It is called once, after the isolate has
		// been removed from the Registry and its ports closed.
		Close() error
	}

	// HeapFactory creates the heap of a new isolate.
	HeapFactory func(iso *Isolate) (Heap, error)

	// ServiceHandler receives OOB service messages, `[1, ...]`, on the
	// isolate's mutator. Replies go through Runtime.PostValue.
	ServiceHandler func(iso *Isolate, msg []any)
)

type nopHeap struct{}

func (nopHeap) Close() error { return nil }

// runtimeOptions holds configuration options for Runtime creation.
type runtimeOptions struct {
	logger            *logiface.Logger[logiface.Event]
	loader            ProgramLoader
	heapFactory       HeapFactory
	service           ServiceHandler
	onUnhandled       func(iso *Isolate, err error)
	onShutdown        func(iso *Isolate)
	onVMInterrupt     func(iso *Isolate)
	diagnosticsDir    string
	maxWorkers        int
	workerIdleTimeout time.Duration
	pollerMaxEvents   int
	initialTokens     int
	pollerDisabled    bool
	pauseOnStart      bool
	pauseOnExit       bool
}

// Option configures a Runtime.
type Option interface {
	applyRuntime(*runtimeOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyFunc func(*runtimeOptions) error
}

func (o *optionImpl) applyRuntime(opts *runtimeOptions) error {
	return o.applyFunc(opts)
}

// WithLogger sets the logger used by every component. Nil disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithProgramLoader sets the loader used for isolates spawned from a script
// URL, including the main isolate.
func WithProgramLoader(loader ProgramLoader) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.loader = loader
		return nil
	}}
}

// WithHeapFactory sets the constructor of isolate heaps.
func WithHeapFactory(factory HeapFactory) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.heapFactory = factory
		return nil
	}}
}

// WithServiceHandler sets the consumer of service messages.
func WithServiceHandler(handler ServiceHandler) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.service = handler
		return nil
	}}
}

// WithUnhandledExceptionCallback sets a callback run, on the isolate's
// mutator, for every unhandled error other than an unwind.
func WithUnhandledExceptionCallback(fn func(iso *Isolate, err error)) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.onUnhandled = fn
		return nil
	}}
}

// WithShutdownCallback sets a callback run as each isolate begins shutting
// down, before its ports are closed.
func WithShutdownCallback(fn func(iso *Isolate)) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.onShutdown = fn
		return nil
	}}
}

// WithVMInterruptHandler sets the handler of InterruptVM.
func WithVMInterruptHandler(fn func(iso *Isolate)) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.onVMInterrupt = fn
		return nil
	}}
}

// WithDiagnosticsDir enables writing a report file, to dir, for each
// isolate that shuts down with an error.
func WithDiagnosticsDir(dir string) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.diagnosticsDir = dir
		return nil
	}}
}

// WithMaxWorkers bounds the thread pool. Zero means unbounded.
func WithMaxWorkers(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if n < 0 {
			return fmt.Errorf("isolate: invalid max workers: %d", n)
		}
		opts.maxWorkers = n
		return nil
	}}
}

// WithWorkerIdleTimeout sets how long idle workers are kept.
func WithWorkerIdleTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if d <= 0 {
			return fmt.Errorf("isolate: invalid worker idle timeout: %s", d)
		}
		opts.workerIdleTimeout = d
		return nil
	}}
}

// WithPoller enables or disables the event multiplexer. It is enabled by
// default on supported platforms.
func WithPoller(enabled bool) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.pollerDisabled = !enabled
		return nil
	}}
}

// WithPollerMaxEvents sets the maximum number of readiness events handled
// per wakeup.
func WithPollerMaxEvents(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if n <= 0 {
			return fmt.Errorf("isolate: invalid poller max events: %d", n)
		}
		opts.pollerMaxEvents = n
		return nil
	}}
}

// WithInitialTokens sets how many notifications a newly watched descriptor
// may receive before tokens must be returned.
func WithInitialTokens(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if n <= 0 || n > TokenCountMask {
			return fmt.Errorf("isolate: invalid initial tokens: %d", n)
		}
		opts.initialTokens = n
		return nil
	}}
}

// WithPauseOnStart pauses each isolate before it starts.
func WithPauseOnStart(enabled bool) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.pauseOnStart = enabled
		return nil
	}}
}

// WithPauseOnExit pauses each isolate before it exits.
func WithPauseOnExit(enabled bool) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.pauseOnExit = enabled
		return nil
	}}
}

// resolveOptions applies Option instances to runtimeOptions.
func resolveOptions(opts []Option) (*runtimeOptions, error) {
	cfg := &runtimeOptions{
		workerIdleTimeout: DefaultWorkerIdleTimeout,
		pollerMaxEvents:   DefaultMaxEvents,
		initialTokens:     DefaultTokenCount,
		heapFactory: func(*Isolate) (Heap, error) {
			return nopHeap{}, nil
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRuntime(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.heapFactory == nil {
		return nil, fmt.Errorf("isolate: nil heap factory")
	}
	return cfg, nil
}
