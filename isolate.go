package isolate

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
)

// Isolate is a unit of isolation: it exclusively owns a heap and a
// MessageHandler, and at most one goroutine (its mutator) runs its code at a
// time. Isolates communicate only by posting serialized messages to ports.
//
// Isolates are created by Runtime.NewIsolate, or spawned, and destroyed once
// their handler stops, after being removed from the Registry.
type Isolate struct {
	rt      *Runtime
	handler *MessageHandler
	heap    Heap
	spawn   *SpawnState
	program Program
	entry   func(iso *Isolate) error

	listeners      map[Port]func(Value) error
	exitListeners  []exitListener
	errorListeners []SendPort
	resumeCaps     []Capability
	sticky         error

	done chan struct{}
	name string

	mainPort     Port
	originID     uint64
	id           uint64
	pauseCap     Capability
	terminateCap Capability

	interrupts interruptWord
	state      lifecycle
	// mutator is the id of the goroutine running the isolate, or zero
	mutator atomic.Uint64
	// pending is a non-OK MessageStatus observed by a nested
	// HandleOOBMessages, which must stop the handler once control returns
	pending atomic.Int32

	// helpers is read locked by helper scopes, and write locked for
	// teardown
	helpers      sync.RWMutex
	shutdownOnce sync.Once
	mu           sync.Mutex

	runnable    bool
	started     bool
	killed      bool
	errorsFatal bool
}

type exitListener struct {
	response Value
	port     SendPort
}

// IsolateConfig configures Runtime.NewIsolate.
type IsolateConfig struct {
	// Spawn, if set, is the spawn request the isolate runs.
	Spawn *SpawnState
	// Entry is run by the startup callback of an isolate without Spawn.
	Entry func(iso *Isolate) error
	// Name defaults to the debug name of Spawn.
	Name string
	// OriginID defaults to that of Spawn, for function spawns, or else to
	// the isolate's main port.
	OriginID uint64
}

// NewIsolate creates an isolate in StateCreated, registering it with the
// Registry. It does not run until MakeRunnable, for spawned isolates, or
// MakeRunnable followed by Run, otherwise.
func (rt *Runtime) NewIsolate(cfg IsolateConfig) (*Isolate, error) {
	if rt.closed.Load() {
		return nil, ErrRuntimeClosed
	}

	name := cfg.Name
	if name == "" && cfg.Spawn != nil {
		name = cfg.Spawn.debugName
	}
	if name == "" {
		name = "isolate"
	}

	iso := &Isolate{
		rt:           rt,
		spawn:        cfg.Spawn,
		entry:        cfg.Entry,
		name:         name,
		listeners:    make(map[Port]func(Value) error),
		done:         make(chan struct{}),
		pauseCap:     NewCapability(),
		terminateCap: NewCapability(),
		errorsFatal:  true,
	}
	iso.handler = NewMessageHandler(name, &dispatcher{iso: iso}, rt.logger)
	iso.handler.SetPauseOnStart(rt.opts.pauseOnStart)
	iso.handler.SetPauseOnExit(rt.opts.pauseOnExit)

	iso.mainPort = rt.ports.CreatePort(iso.handler)
	if err := rt.ports.SetPortState(iso.mainPort, PortStateControl); err != nil {
		rt.ports.ClosePorts(iso.handler)
		return nil, err
	}

	switch {
	case cfg.Spawn != nil && !cfg.Spawn.isSpawnURI && cfg.Spawn.originID != 0:
		iso.originID = cfg.Spawn.originID
	case cfg.OriginID != 0:
		iso.originID = cfg.OriginID
	default:
		iso.originID = uint64(iso.mainPort)
	}

	heap, err := rt.opts.heapFactory(iso)
	if err != nil {
		rt.ports.ClosePorts(iso.handler)
		return nil, fmt.Errorf("isolate: heap: %w", err)
	}
	iso.heap = heap

	if err := rt.isolates.insert(iso); err != nil {
		rt.ports.ClosePorts(iso.handler)
		if err := heap.Close(); err != nil {
			rt.logger.Err().Err(err).Log(`isolate: failed to release heap`)
		}
		return nil, err
	}
	iso.state.Store(StateCreated)

	rt.logger.Debug().
		Str(`isolate`, iso.name).
		Uint64(`id`, iso.id).
		Uint64(`port`, uint64(iso.mainPort)).
		Log(`isolate: created`)

	return iso, nil
}

// MakeRunnable marks the isolate runnable, exactly once. Spawned isolates
// are scheduled immediately.
func (iso *Isolate) MakeRunnable() error {
	iso.mu.Lock()
	if iso.runnable {
		iso.mu.Unlock()
		return ErrAlreadyRunnable
	}
	iso.runnable = true
	iso.mu.Unlock()

	if !iso.state.TryTransition(StateCreated, StateRunnable) {
		return ErrIsolateShutdown
	}
	if iso.spawn != nil {
		return iso.Run()
	}
	return nil
}

// Run binds the isolate's handler to the runtime's thread pool, scheduling
// its startup. When the handler stops, the isolate is shut down.
func (iso *Isolate) Run() error {
	iso.mu.Lock()
	if iso.killed {
		iso.mu.Unlock()
		return ErrIsolateShutdown
	}
	if !iso.runnable {
		iso.mu.Unlock()
		return fmt.Errorf("isolate: %s is not runnable", iso.name)
	}
	iso.started = true
	iso.mu.Unlock()

	if err := iso.handler.Run(iso.rt.pool, iso.startup, iso.shutdown); err != nil {
		if !errors.Is(err, ErrHandlerRunning) {
			iso.shutdown(StatusShutdown)
		}
		return err
	}
	return nil
}

// startup is the first task run on the isolate's mutator.
func (iso *Isolate) startup() MessageStatus {
	iso.state.TransitionAny([]State{StateRunnable, StatePausedOnStart}, StateRunning)

	release := iso.enterMutator()
	defer release()

	s := iso.spawn
	if s == nil {
		if iso.entry == nil {
			return StatusOK
		}
		if err := iso.invoke(func() error { return iso.entry(iso) }); err != nil {
			return iso.processUnhandledException(err)
		}
		return iso.takePending()
	}
	defer func() { iso.spawn = nil }()

	iso.mu.Lock()
	iso.errorsFatal = s.errorsAreFatal
	if s.onExit.IsValid() {
		iso.exitListeners = append(iso.exitListeners, exitListener{port: s.onExit})
	}
	if s.onError.IsValid() {
		iso.errorListeners = append(iso.errorListeners, s.onError)
	}
	iso.mu.Unlock()

	if s.isSpawnURI {
		program, err := iso.loadProgram(s.scriptURL)
		if err != nil {
			return iso.storeError(err)
		}
		s.program = program
	}
	iso.program = s.program

	fn, err := s.ResolveFunction()
	if err != nil {
		return iso.storeError(err)
	}

	if s.paused && iso.addResumeCapability(iso.pauseCap) {
		iso.handler.IncrementPaused()
	}

	args, err := s.BuildArgs()
	if err != nil {
		return iso.processUnhandledException(err)
	}
	message, err := s.BuildMessage()
	if err != nil {
		return iso.processUnhandledException(err)
	}

	if err := iso.startIsolate(fn, args, message, s.parentPort); err != nil {
		return iso.processUnhandledException(err)
	}
	return StatusOK
}

func (iso *Isolate) loadProgram(scriptURL string) (Program, error) {
	loader := iso.rt.opts.loader
	if loader == nil {
		return nil, &LanguageError{Message: fmt.Sprintf("Unable to load script '%s'.", scriptURL)}
	}
	program, err := loader.LoadProgram(iso.rt.ctx, scriptURL)
	if err != nil {
		var lang *LanguageError
		if errors.As(err, &lang) {
			return nil, err
		}
		return nil, &LanguageError{Cause: err, Message: fmt.Sprintf("Unable to load script '%s': %v", scriptURL, err)}
	}
	if program == nil {
		return nil, &LanguageError{Message: fmt.Sprintf("Unable to load script '%s'.", scriptURL)}
	}
	return program, nil
}

// startIsolate sends the ready message to the parent, then arranges for fn
// to be called as the isolate's first Normal message, so that it respects
// the pause state.
func (iso *Isolate) startIsolate(fn EntryPoint, args []string, message Value, parent SendPort) error {
	if parent.IsValid() {
		ready := []any{iso.ControlPort(), []any{iso.pauseCap, iso.terminateCap}}
		if err := iso.Send(parent, ready); err != nil {
			return err
		}
	}
	var rp *ReceivePort
	rp, err := iso.newReceivePort(func(Value) error {
		rp.Close()
		return fn(iso, args, message)
	})
	if err != nil {
		return err
	}
	return iso.Send(rp.SendPort(), nil)
}

// shutdown is the end callback of the isolate's handler. It runs at most
// once.
func (iso *Isolate) shutdown(status MessageStatus) {
	iso.shutdownOnce.Do(func() { iso.doShutdown(status) })
}

func (iso *Isolate) doShutdown(status MessageStatus) {
	rt := iso.rt

	if err := iso.StickyError(); err != nil && !IsUnwind(err) {
		rt.logger.Err().
			Str(`isolate`, iso.name).
			Uint64(`id`, iso.id).
			Str(`kind`, classify(err)).
			Err(err).
			Log(`isolate: unhandled error`)
		rt.writeDiagnostics(iso, err)
	}
	if fn := rt.opts.onShutdown; fn != nil {
		fn(iso)
	}

	iso.state.Store(StateShuttingDown)
	iso.interrupts.reset()
	iso.notifyExitListeners()

	// no visitor may observe the isolate once teardown starts
	rt.ports.ClosePorts(iso.handler)
	rt.isolates.remove(iso)

	iso.helpers.Lock()
	iso.handler.close()
	if err := iso.heap.Close(); err != nil {
		rt.logger.Err().Str(`isolate`, iso.name).Err(err).Log(`isolate: failed to release heap`)
	}
	iso.mu.Lock()
	clear(iso.listeners)
	iso.exitListeners = nil
	iso.errorListeners = nil
	iso.resumeCaps = nil
	iso.mu.Unlock()
	iso.helpers.Unlock()

	iso.state.Store(StateDestroyed)
	close(iso.done)

	rt.logger.Debug().
		Str(`isolate`, iso.name).
		Uint64(`id`, iso.id).
		Int(`status`, int(status)).
		Log(`isolate: destroyed`)
}

// killInternal terminates the isolate on behalf of the runtime. An isolate
// that was never started is shut down directly.
func (iso *Isolate) killInternal() bool {
	iso.mu.Lock()
	started := iso.started
	iso.killed = true
	iso.mu.Unlock()

	if !started {
		iso.state.Store(StateShuttingDown)
		iso.shutdown(StatusShutdown)
		return true
	}
	return iso.rt.postControl(iso.mainPort, ControlRequest{
		Kind:                ControlInternalKill,
		TerminateCapability: iso.terminateCap,
		Priority:            ActionImmediate,
	})
}

func (iso *Isolate) notifyExitListeners() {
	iso.mu.Lock()
	listeners := slices.Clone(iso.exitListeners)
	iso.mu.Unlock()
	for _, l := range listeners {
		if err := iso.Send(l.port, l.response); err != nil {
			iso.rt.logger.Debug().Str(`isolate`, iso.name).Err(err).Log(`isolate: failed to notify exit listener`)
		}
	}
}

func (iso *Isolate) notifyErrorListeners(message, stack string) {
	iso.mu.Lock()
	listeners := slices.Clone(iso.errorListeners)
	iso.mu.Unlock()
	for _, port := range listeners {
		if err := iso.Send(port, []any{message, stack}); err != nil {
			iso.rt.logger.Debug().Str(`isolate`, iso.name).Err(err).Log(`isolate: failed to notify error listener`)
		}
	}
}

// processUnhandledException handles an error that escaped managed code,
// returning the status the handler should continue with.
func (iso *Isolate) processUnhandledException(err error) MessageStatus {
	if IsUnwind(err) {
		return iso.storeError(err)
	}

	if fn := iso.rt.opts.onUnhandled; fn != nil {
		fn(iso, err)
	}

	var stack string
	var unhandled *UnhandledException
	if errors.As(err, &unhandled) {
		stack = unhandled.Stack
	}
	iso.notifyErrorListeners(err.Error(), stack)

	iso.mu.Lock()
	fatal := iso.errorsFatal
	if !fatal {
		iso.sticky = nil
	}
	iso.mu.Unlock()

	if fatal {
		return iso.storeError(err)
	}
	return StatusOK
}

// storeError records err as the sticky error. Only a runtime initiated
// unwind results in StatusShutdown.
func (iso *Isolate) storeError(err error) MessageStatus {
	iso.mu.Lock()
	iso.sticky = err
	iso.mu.Unlock()

	var unwind *UnwindError
	if errors.As(err, &unwind) && !unwind.UserInitiated {
		return StatusShutdown
	}
	return StatusError
}

// invoke calls fn, converting panics and errors into an
// UnhandledException, unless they are already classified.
func (iso *Isolate) invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && IsUnwind(e) {
				err = e
				return
			}
			err = &UnhandledException{Panic: r, Stack: string(debug.Stack())}
		}
	}()
	return asUnhandled(fn())
}

func asUnhandled(err error) error {
	if err == nil {
		return nil
	}
	var (
		unwind    *UnwindError
		lang      *LanguageError
		deser     *DeserializationError
		unhandled *UnhandledException
	)
	if errors.As(err, &unwind) || errors.As(err, &lang) || errors.As(err, &deser) || errors.As(err, &unhandled) {
		return err
	}
	return &UnhandledException{Cause: err}
}

func (iso *Isolate) takePending() MessageStatus {
	return MessageStatus(iso.pending.Swap(int32(StatusOK)))
}

func (iso *Isolate) setPending(status MessageStatus) {
	iso.pending.CompareAndSwap(int32(StatusOK), int32(status))
}

// enterMutator marks the calling goroutine as the isolate's mutator until
// the returned function is called. It nests.
func (iso *Isolate) enterMutator() func() {
	prev := iso.mutator.Swap(getGoroutineID())
	return func() { iso.mutator.Store(prev) }
}

// IsMutator reports whether the caller is running the isolate.
func (iso *Isolate) IsMutator() bool {
	id := iso.mutator.Load()
	return id != 0 && id == getGoroutineID()
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

func (iso *Isolate) addResumeCapability(c Capability) bool {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	if slices.Contains(iso.resumeCaps, c) {
		return false
	}
	iso.resumeCaps = append(iso.resumeCaps, c)
	return true
}

func (iso *Isolate) removeResumeCapability(c Capability) bool {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	i := slices.Index(iso.resumeCaps, c)
	if i < 0 {
		return false
	}
	iso.resumeCaps = slices.Delete(iso.resumeCaps, i, i+1)
	return true
}

// Send posts v to port, as a Normal message. Values are restricted to
// transferable values, unless port belongs to an isolate of the same
// origin. Delivery failures are silent; only encoding errors are returned.
func (iso *Isolate) Send(port SendPort, v Value) error {
	serialize := Serialize
	if port.Origin == iso.originID {
		serialize = SerializeAny
	}
	b, err := serialize(v)
	if err != nil {
		return err
	}
	iso.rt.ports.PostMessage(NewMessage(port.ID, b, PriorityNormal))
	return nil
}

// CheckInterrupts handles pending interrupts, and must be called
// periodically by long running code on the mutator. A non-nil error means
// the isolate must unwind, and should be returned to the caller.
func (iso *Isolate) CheckInterrupts() error {
	if !iso.interrupts.poll() {
		return nil
	}
	if !iso.IsMutator() {
		return ErrNotMutator
	}
	bits := iso.interrupts.take()
	if bits&InterruptVM != 0 {
		if fn := iso.rt.opts.onVMInterrupt; fn != nil {
			fn(iso)
		}
	}
	if bits&InterruptMessage != 0 {
		if status := iso.handler.HandleOOBMessages(); status != StatusOK {
			iso.setPending(status)
			if err := iso.StickyError(); err != nil {
				return err
			}
			return &UnwindError{Message: "isolate: terminated"}
		}
	}
	return nil
}

// ScheduleInterrupt requests bits be handled at the next CheckInterrupts.
func (iso *Isolate) ScheduleInterrupt(bits InterruptBits) {
	iso.interrupts.schedule(bits)
}

// DeferInterrupts holds back interrupts scheduled until RestoreInterrupts.
func (iso *Isolate) DeferInterrupts() { iso.interrupts.deferInterrupts() }

// RestoreInterrupts undoes DeferInterrupts.
func (iso *Isolate) RestoreInterrupts() { iso.interrupts.restore() }

// ResumeFromPause releases an isolate paused on start or exit.
func (iso *Isolate) ResumeFromPause() {
	iso.handler.ResumeFromPause()
}

// ID returns the registry id of the isolate.
func (iso *Isolate) ID() uint64 { return iso.id }

// Name returns the debug name of the isolate.
func (iso *Isolate) Name() string { return iso.name }

// MainPort returns the isolate's main port, which receives control
// messages.
func (iso *Isolate) MainPort() Port { return iso.mainPort }

// ControlPort returns the transferable address of the main port.
func (iso *Isolate) ControlPort() SendPort {
	return SendPort{ID: iso.mainPort, Origin: iso.originID}
}

// OriginID identifies the group of isolates that may exchange arbitrary
// objects.
func (iso *Isolate) OriginID() uint64 { return iso.originID }

func (iso *Isolate) PauseCapability() Capability { return iso.pauseCap }

func (iso *Isolate) TerminateCapability() Capability { return iso.terminateCap }

// Controller returns a controller holding every capability of the isolate.
func (iso *Isolate) Controller() Controller {
	return Controller{
		rt:                  iso.rt,
		ControlPort:         iso.ControlPort(),
		PauseCapability:     iso.pauseCap,
		TerminateCapability: iso.terminateCap,
	}
}

func (iso *Isolate) State() State { return iso.state.Load() }

// Done is closed once the isolate has been destroyed.
func (iso *Isolate) Done() <-chan struct{} { return iso.done }

// StickyError returns the error that stopped the isolate, if any.
func (iso *Isolate) StickyError() error {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	return iso.sticky
}

func (iso *Isolate) ErrorsAreFatal() bool {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	return iso.errorsFatal
}

func (iso *Isolate) Handler() *MessageHandler { return iso.handler }

func (iso *Isolate) Runtime() *Runtime { return iso.rt }

// Program returns the program the isolate runs, once started.
func (iso *Isolate) Program() Program { return iso.program }

func (iso *Isolate) Heap() Heap { return iso.heap }

// Spawn starts a new isolate, of the same origin, running entry of this
// isolate's program. If parent is valid it receives the ready message, see
// Runtime.ParseReadyMessage.
func (iso *Isolate) Spawn(parent SendPort, entry EntryRef, message Value, opts SpawnOptions) (*Isolate, error) {
	state, err := NewSpawnState(parent, iso.originID, iso.program, entry, message, true, opts)
	if err != nil {
		return nil, err
	}
	return iso.rt.Spawn(state)
}

// SpawnURI starts a new isolate running the main function of scriptURL.
func (iso *Isolate) SpawnURI(parent SendPort, scriptURL string, args []string, message Value, opts SpawnOptions) (*Isolate, error) {
	state, err := NewSpawnURIState(parent, scriptURL, args, message, opts)
	if err != nil {
		return nil, err
	}
	return iso.rt.Spawn(state)
}

// ReceivePort is a port whose messages are delivered to a listener, on the
// mutator of the isolate that created it. Open receive ports keep their
// isolate alive.
type ReceivePort struct {
	iso    *Isolate
	port   Port
	closed atomic.Bool
}

// NewReceivePort creates a live port delivering to fn. It must be called on
// the mutator.
func (iso *Isolate) NewReceivePort(fn func(v Value) error) (*ReceivePort, error) {
	if !iso.IsMutator() {
		return nil, ErrNotMutator
	}
	return iso.newReceivePort(fn)
}

func (iso *Isolate) newReceivePort(fn func(v Value) error) (*ReceivePort, error) {
	if fn == nil {
		return nil, errors.New("isolate: nil listener")
	}
	if iso.state.IsTerminating() {
		return nil, ErrIsolateShutdown
	}
	port := iso.rt.ports.CreatePort(iso.handler)
	iso.mu.Lock()
	iso.listeners[port] = fn
	iso.mu.Unlock()
	if err := iso.rt.ports.SetPortState(port, PortStateLive); err != nil {
		iso.mu.Lock()
		delete(iso.listeners, port)
		iso.mu.Unlock()
		return nil, err
	}
	return &ReceivePort{iso: iso, port: port}, nil
}

func (p *ReceivePort) Port() Port { return p.port }

// SendPort returns the transferable address of the port.
func (p *ReceivePort) SendPort() SendPort {
	return SendPort{ID: p.port, Origin: p.iso.originID}
}

// Close closes the port, returning false if it was already closed.
// Messages already queued for it are dropped.
func (p *ReceivePort) Close() bool {
	if !p.closed.CompareAndSwap(false, true) {
		return false
	}
	p.iso.mu.Lock()
	delete(p.iso.listeners, p.port)
	p.iso.mu.Unlock()
	return p.iso.rt.ports.ClosePort(p.port)
}

// HelperKind names the kind of helper entering an isolate.
type HelperKind int

const (
	HelperSweeper HelperKind = iota
	HelperMarker
	HelperCompiler
)

func (k HelperKind) String() string {
	switch k {
	case HelperSweeper:
		return "sweeper"
	case HelperMarker:
		return "marker"
	case HelperCompiler:
		return "compiler"
	default:
		return fmt.Sprintf("HelperKind(%d)", int(k))
	}
}

// HelperScope is read-only access to an isolate from a goroutine other than
// its mutator. Any number of helpers may be attached at once, concurrently
// with the mutator, and teardown waits for all of them to exit.
type HelperScope struct {
	iso  *Isolate
	once sync.Once
	kind HelperKind
}

// EnterHelper attaches a helper, failing once the isolate has started
// shutting down. The scope must be exited.
func (iso *Isolate) EnterHelper(kind HelperKind) (*HelperScope, error) {
	if !iso.helpers.TryRLock() {
		return nil, ErrIsolateShutdown
	}
	if iso.state.IsTerminating() {
		iso.helpers.RUnlock()
		return nil, ErrIsolateShutdown
	}
	return &HelperScope{iso: iso, kind: kind}, nil
}

// Exit detaches the helper. Subsequent calls do nothing.
func (s *HelperScope) Exit() {
	s.once.Do(s.iso.helpers.RUnlock)
}

func (s *HelperScope) Kind() HelperKind { return s.kind }

func (s *HelperScope) Isolate() *Isolate { return s.iso }

func (s *HelperScope) Heap() Heap { return s.iso.heap }

// ReceivePorts returns the open receive ports of the isolate.
func (s *HelperScope) ReceivePorts() []Port {
	s.iso.mu.Lock()
	defer s.iso.mu.Unlock()
	ports := make([]Port, 0, len(s.iso.listeners))
	for port := range s.iso.listeners {
		ports = append(ports, port)
	}
	slices.Sort(ports)
	return ports
}

// QueueLengths returns the number of queued Normal and OOB messages.
func (s *HelperScope) QueueLengths() (normal, oob int) {
	return s.iso.handler.QueueLengths()
}
