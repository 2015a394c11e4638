package isolate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/go-isolate/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsolate_MakeRunnableOnce(t *testing.T) {
	rt := newTestRuntime(t)
	ran := make(chan struct{}, 2)
	iso, err := rt.NewIsolate(IsolateConfig{Name: "plain", Entry: func(iso *Isolate) error {
		assert.True(t, iso.IsMutator())
		ran <- struct{}{}
		return nil
	}})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, iso.State())
	assert.Equal(t, "plain", iso.Name())
	assert.Same(t, iso, rt.Isolates().Lookup(iso.ID()))
	assert.Same(t, iso, rt.Isolates().LookupByMainPort(iso.MainPort()))
	assert.Error(t, iso.Run(), "not runnable yet")

	require.NoError(t, iso.MakeRunnable())
	assert.ErrorIs(t, iso.MakeRunnable(), ErrAlreadyRunnable)
	assert.Equal(t, StateRunnable, iso.State())

	require.NoError(t, iso.Run())
	recv(t, ran)
	waitDone(t, iso)
	assert.Equal(t, StateDestroyed, iso.State())
	assert.NoError(t, iso.StickyError())
	assert.Nil(t, rt.Isolates().Lookup(iso.ID()))
	assert.False(t, iso.IsMutator())
	assert.Len(t, ran, 0, "entry ran once")
}

func TestIsolate_Defaults(t *testing.T) {
	rt := newTestRuntime(t)
	iso, err := rt.NewIsolate(IsolateConfig{})
	require.NoError(t, err)
	assert.Equal(t, "isolate", iso.Name())
	assert.Equal(t, uint64(iso.MainPort()), iso.OriginID())
	assert.True(t, iso.PauseCapability().IsValid())
	assert.True(t, iso.TerminateCapability().IsValid())
	assert.NotEqual(t, iso.PauseCapability(), iso.TerminateCapability())
	assert.True(t, iso.ErrorsAreFatal())
	assert.Same(t, rt, iso.Runtime())
	assert.NotNil(t, iso.Heap())
	assert.NotNil(t, iso.Handler())

	// the main port does not keep the isolate alive
	assert.False(t, iso.Handler().HasLivePorts())

	_, err = iso.NewReceivePort(func(Value) error { return nil })
	assert.ErrorIs(t, err, ErrNotMutator)
	_, err = iso.WatchFD(0, EventIn, false, func(EventMask) error { return nil })
	assert.ErrorIs(t, err, ErrPollerUnavailable)
	_, err = iso.AfterFunc(time.Second, func() error { return nil })
	assert.ErrorIs(t, err, ErrPollerUnavailable)

	// never started, so killed directly
	assert.Equal(t, 1, rt.Isolates().KillAll())
	waitDone(t, iso)
	assert.Zero(t, rt.Isolates().Len())
}

func TestIsolate_SpawnURIPaused(t *testing.T) {
	calls := make(chan []any, 2)
	program := NewScript("test:worker", map[string]EntryPoint{
		"main": func(iso *Isolate, args []string, message Value) error {
			calls <- []any{args, message}
			return nil
		},
	})
	rt := newTestRuntime(t, WithProgramLoader(StaticLoader{"test:worker": program}))
	inbox, values := newInbox(t, rt)

	state, err := NewSpawnURIState(inbox, "test:worker", []string{"x"}, "hello", SpawnOptions{Paused: true})
	require.NoError(t, err)
	iso, err := rt.Spawn(state)
	require.NoError(t, err)
	assert.Equal(t, "test:worker", iso.Name())

	ctrl, err := rt.ParseReadyMessage(recv(t, values))
	require.NoError(t, err)
	assert.Equal(t, iso.ControlPort(), ctrl.ControlPort)
	assert.Equal(t, iso.PauseCapability(), ctrl.PauseCapability)
	assert.Equal(t, iso.TerminateCapability(), ctrl.TerminateCapability)

	select {
	case <-calls:
		t.Fatal("main ran while paused")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, iso.Handler().Paused())
	assert.Same(t, program, iso.Program())

	require.True(t, ctrl.Resume(ctrl.PauseCapability))
	assert.Equal(t, []any{[]string{"x"}, "hello"}, recv(t, calls))
	waitDone(t, iso)
	assert.NoError(t, iso.StickyError())
	assert.Empty(t, calls, "main ran once")
}

func TestIsolate_KillPreemptsQueuedMessages(t *testing.T) {
	rt := newTestRuntime(t)
	inbox, values := newInbox(t, rt)

	entered := make(chan struct{})
	release := make(chan struct{})
	iso := spawnFunction(t, rt, echoEntry(func(_ *Isolate, v Value) error {
		if v == "block" {
			close(entered)
			<-release
		}
		return nil
	}), inbox, SpawnOptions{})
	port := recv(t, values).(SendPort)

	require.True(t, rt.PostValue(port.ID, "block", PriorityNormal))
	recv(t, entered)
	for _, v := range []string{"a", "b", "c"} {
		require.True(t, rt.PostValue(port.ID, v, PriorityNormal))
	}
	require.True(t, iso.Controller().Kill(ActionImmediate))
	close(release)

	assert.Equal(t, "block", recv(t, values))
	waitDone(t, iso)
	noValue(t, values, 50*time.Millisecond)

	var unwind *UnwindError
	require.ErrorAs(t, iso.StickyError(), &unwind)
	assert.True(t, unwind.UserInitiated)
	assert.Equal(t, ExitCodeOK, ExitCode(iso.StickyError()))
}

func TestIsolate_KillInterruptsRunningCode(t *testing.T) {
	rt := newTestRuntime(t)
	inbox, values := newInbox(t, rt)

	entered := make(chan struct{})
	iso := spawnFunction(t, rt, echoEntry(func(iso *Isolate, v Value) error {
		if v != "spin" {
			return nil
		}
		close(entered)
		for {
			if err := iso.CheckInterrupts(); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
	}), inbox, SpawnOptions{})
	port := recv(t, values).(SendPort)

	require.True(t, rt.PostValue(port.ID, "spin", PriorityNormal))
	recv(t, entered)
	assert.NoError(t, iso.CheckInterrupts())
	require.True(t, iso.Controller().Kill(ActionImmediate))

	waitDone(t, iso)
	noValue(t, values, 20*time.Millisecond)
	var unwind *UnwindError
	require.ErrorAs(t, iso.StickyError(), &unwind)
	assert.True(t, unwind.UserInitiated)
}

func TestIsolate_CheckInterruptsOffMutator(t *testing.T) {
	rt := newTestRuntime(t)
	iso, err := rt.NewIsolate(IsolateConfig{})
	require.NoError(t, err)
	assert.NoError(t, iso.CheckInterrupts())
	iso.ScheduleInterrupt(InterruptVM)
	assert.ErrorIs(t, iso.CheckInterrupts(), ErrNotMutator)
}

func TestIsolate_VMInterrupt(t *testing.T) {
	handled := make(chan bool, 1)
	rt := newTestRuntime(t, WithVMInterruptHandler(func(iso *Isolate) {
		handled <- iso.IsMutator()
	}))
	iso, err := rt.NewIsolate(IsolateConfig{Entry: func(iso *Isolate) error {
		iso.DeferInterrupts()
		iso.ScheduleInterrupt(InterruptVM)
		if err := iso.CheckInterrupts(); err != nil {
			return err
		}
		if len(handled) != 0 {
			return errors.New("handled while deferred")
		}
		iso.RestoreInterrupts()
		return iso.CheckInterrupts()
	}})
	require.NoError(t, err)
	require.NoError(t, iso.MakeRunnable())
	require.NoError(t, iso.Run())
	assert.True(t, recv(t, handled))
	waitDone(t, iso)
	assert.NoError(t, iso.StickyError())
}

func TestIsolate_PingPriorities(t *testing.T) {
	for _, tc := range []struct {
		name     string
		priority ActionPriority
		want     []Value
	}{
		{name: "immediate", priority: ActionImmediate, want: []Value{"block", "ping", "a", "b"}},
		{name: "before next event", priority: ActionBeforeNextEvent, want: []Value{"block", "ping", "a", "b"}},
		{name: "as event", priority: ActionAsEvent, want: []Value{"block", "a", "b", "ping"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rt := newTestRuntime(t)
			inbox, values := newInbox(t, rt)

			entered := make(chan struct{})
			release := make(chan struct{})
			iso := spawnFunction(t, rt, echoEntry(func(_ *Isolate, v Value) error {
				if v == "block" {
					close(entered)
					<-release
				}
				return nil
			}), inbox, SpawnOptions{})
			port := recv(t, values).(SendPort)

			require.True(t, rt.PostValue(port.ID, "block", PriorityNormal))
			recv(t, entered)
			require.True(t, rt.PostValue(port.ID, "a", PriorityNormal))
			require.True(t, rt.PostValue(port.ID, "b", PriorityNormal))
			require.True(t, iso.Controller().Ping(inbox, "ping", tc.priority))
			close(release)

			var got []Value
			for range tc.want {
				got = append(got, recv(t, values))
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIsolate_PauseResume(t *testing.T) {
	rt := newTestRuntime(t)
	inbox, values := newInbox(t, rt)
	iso := spawnFunction(t, rt, echoEntry(nil), inbox, SpawnOptions{})
	port := recv(t, values).(SendPort)
	ctrl := iso.Controller()

	resume := NewCapability()
	require.True(t, ctrl.Pause(resume))
	require.True(t, ctrl.Pause(resume))
	require.True(t, rt.PostValue(port.ID, "a", PriorityNormal))
	noValue(t, values, 50*time.Millisecond)

	// a resume with the wrong capability is ignored
	require.True(t, ctrl.Resume(NewCapability()))
	noValue(t, values, 20*time.Millisecond)

	// pausing twice with the same capability needs one resume
	require.True(t, ctrl.Resume(resume))
	assert.Equal(t, "a", recv(t, values))

	// a pause without the pause capability is ignored
	forged := ctrl
	forged.PauseCapability = NewCapability()
	require.True(t, forged.Pause(NewCapability()))
	require.True(t, rt.PostValue(port.ID, "b", PriorityNormal))
	assert.Equal(t, "b", recv(t, values))
}

func TestIsolate_ResumeCapabilityConsumed(t *testing.T) {
	rt := newTestRuntime(t)
	inbox, values := newInbox(t, rt)
	iso := spawnFunction(t, rt, echoEntry(nil), inbox, SpawnOptions{})
	port := recv(t, values).(SendPort)
	ctrl := iso.Controller()

	first, second := NewCapability(), NewCapability()
	require.True(t, ctrl.Pause(first))
	require.True(t, ctrl.Pause(second))
	require.True(t, rt.PostValue(port.ID, "held", PriorityNormal))
	require.True(t, ctrl.Resume(first))
	require.True(t, ctrl.Resume(first))
	// OOB messages are handled in order, even while paused
	require.True(t, ctrl.Ping(inbox, "sync", ActionImmediate))
	assert.Equal(t, "sync", recv(t, values))

	assert.True(t, iso.Handler().Paused())
	noValue(t, values, 50*time.Millisecond)

	require.True(t, ctrl.Resume(second))
	assert.Equal(t, "held", recv(t, values))
	assert.False(t, iso.Handler().Paused())
}

func TestIsolate_InvalidStringRejectedBySender(t *testing.T) {
	rt := newTestRuntime(t)
	inbox, values := newInbox(t, rt)
	receiver := spawnFunction(t, rt, echoEntry(nil), inbox, SpawnOptions{})
	port := recv(t, values).(SendPort)

	assert.False(t, rt.PostValue(port.ID, "\xff", PriorityNormal))

	sender := spawnFunction(t, rt, func(iso *Isolate, _ []string, message Value) error {
		ports := message.([]any)
		err := iso.Send(ports[1].(SendPort), map[string]any{"k": "a\xc3"})
		if !errors.Is(err, wire.ErrInvalidUTF8) {
			return fmt.Errorf("unexpected send error: %v", err)
		}
		return iso.Send(ports[0].(SendPort), "rejected")
	}, []any{inbox, port}, SpawnOptions{})
	assert.Equal(t, "rejected", recv(t, values))
	waitDone(t, sender)
	assert.NoError(t, sender.StickyError())

	require.True(t, rt.PostValue(port.ID, "alive", PriorityNormal))
	assert.Equal(t, "alive", recv(t, values))
	assert.NoError(t, receiver.StickyError())
	assert.NotEqual(t, StateDestroyed, receiver.State())
}

func TestIsolate_ForgedKillIgnored(t *testing.T) {
	rt := newTestRuntime(t)
	inbox, values := newInbox(t, rt)
	iso := spawnFunction(t, rt, echoEntry(nil), inbox, SpawnOptions{})
	port := recv(t, values).(SendPort)

	forged := iso.Controller()
	forged.TerminateCapability = NewCapability()
	require.True(t, forged.Kill(ActionImmediate))
	require.True(t, forged.SetErrorsFatal(false))

	// malformed OOB messages are dropped
	require.True(t, rt.PostValue(iso.MainPort(), "garbage", PriorityOOB))
	require.True(t, rt.PostValue(iso.MainPort(), []any{int64(2), int64(4)}, PriorityOOB))
	require.True(t, rt.Ports().PostMessage(NewMessage(iso.MainPort(), []byte{0xff}, PriorityOOB)))
	// delayed tags are only honored on the Normal lane
	require.True(t, rt.PostValue(iso.MainPort(), ControlRequest{
		Kind:                ControlKill,
		TerminateCapability: iso.TerminateCapability(),
		Delayed:             true,
	}.encode(), PriorityOOB))

	require.True(t, rt.PostValue(port.ID, "alive", PriorityNormal))
	assert.Equal(t, "alive", recv(t, values))
	assert.True(t, iso.ErrorsAreFatal())
	assert.NotEqual(t, StateDestroyed, iso.State())
}

func TestIsolate_ExitListeners(t *testing.T) {
	rt := newTestRuntime(t)
	inbox, values := newInbox(t, rt)
	onExit, exits := newInbox(t, rt)
	other, otherExits := newInbox(t, rt)

	iso := spawnFunction(t, rt, echoEntry(nil), inbox, SpawnOptions{OnExit: onExit})
	port := recv(t, values).(SendPort)
	ctrl := iso.Controller()

	require.True(t, ctrl.AddOnExitListener(other, "first"))
	require.True(t, ctrl.AddOnExitListener(other, "second"))
	require.True(t, ctrl.AddOnExitListener(inbox, "removed"))
	require.True(t, ctrl.RemoveOnExitListener(inbox))
	// control messages are handled before this
	require.True(t, rt.PostValue(port.ID, "sync", PriorityNormal))
	assert.Equal(t, "sync", recv(t, values))

	require.True(t, ctrl.Kill(ActionAsEvent))
	waitDone(t, iso)

	assert.Nil(t, recv(t, exits))
	assert.Equal(t, "second", recv(t, otherExits))
	noValue(t, otherExits, 20*time.Millisecond)
	noValue(t, values, 20*time.Millisecond)
}

func TestIsolate_ExitWithoutPorts(t *testing.T) {
	rt := newTestRuntime(t)
	onExit, exits := newInbox(t, rt)
	iso := spawnFunction(t, rt, nopEntry, nil, SpawnOptions{OnExit: onExit})
	assert.Nil(t, recv(t, exits))
	waitDone(t, iso)
	assert.NoError(t, iso.StickyError())
}

func TestIsolate_ErrorsNotFatal(t *testing.T) {
	var unhandled []error
	rt := newTestRuntime(t, WithUnhandledExceptionCallback(func(iso *Isolate, err error) {
		assert.True(t, iso.IsMutator())
		unhandled = append(unhandled, err)
	}))
	inbox, values := newInbox(t, rt)
	onError, errs := newInbox(t, rt)

	iso := spawnFunction(t, rt, echoEntry(func(_ *Isolate, v Value) error {
		if v == "fail" {
			return errors.New("boom")
		}
		return nil
	}), inbox, SpawnOptions{OnError: onError, ErrorsAreNotFatal: true})
	port := recv(t, values).(SendPort)
	assert.False(t, iso.ErrorsAreFatal())

	require.True(t, rt.PostValue(port.ID, "fail", PriorityNormal))
	assert.Equal(t, []any{"Unhandled exception: boom", ""}, recv(t, errs))
	require.True(t, rt.PostValue(port.ID, "ok", PriorityNormal))
	assert.Equal(t, "ok", recv(t, values))
	assert.NoError(t, iso.StickyError())

	require.True(t, iso.Controller().SetErrorsFatal(true))
	require.True(t, rt.PostValue(port.ID, "fail", PriorityNormal))
	assert.Equal(t, []any{"Unhandled exception: boom", ""}, recv(t, errs))
	waitDone(t, iso)

	var exc *UnhandledException
	require.ErrorAs(t, iso.StickyError(), &exc)
	assert.EqualError(t, exc.Cause, "boom")
	assert.Len(t, unhandled, 2)
}

func TestIsolate_ErrorListenerControl(t *testing.T) {
	rt := newTestRuntime(t)
	inbox, values := newInbox(t, rt)
	onError, errs := newInbox(t, rt)

	iso := spawnFunction(t, rt, echoEntry(func(_ *Isolate, v Value) error {
		if v == "fail" {
			return errors.New("boom")
		}
		return nil
	}), inbox, SpawnOptions{ErrorsAreNotFatal: true})
	port := recv(t, values).(SendPort)
	ctrl := iso.Controller()

	require.True(t, ctrl.AddErrorListener(onError))
	require.True(t, ctrl.AddErrorListener(onError))
	require.True(t, rt.PostValue(port.ID, "fail", PriorityNormal))
	assert.Equal(t, []any{"Unhandled exception: boom", ""}, recv(t, errs))
	noValue(t, errs, 20*time.Millisecond)

	require.True(t, ctrl.RemoveErrorListener(onError))
	require.True(t, rt.PostValue(port.ID, "fail", PriorityNormal))
	require.True(t, rt.PostValue(port.ID, "sync", PriorityNormal))
	assert.Equal(t, "sync", recv(t, values))
	noValue(t, errs, 20*time.Millisecond)
}

func TestIsolate_PanicIsUnhandledException(t *testing.T) {
	rt := newTestRuntime(t)
	inbox, values := newInbox(t, rt)
	onError, errs := newInbox(t, rt)

	iso := spawnFunction(t, rt, echoEntry(func(_ *Isolate, v Value) error {
		if v == "panic" {
			panic("kaboom")
		}
		return nil
	}), inbox, SpawnOptions{OnError: onError})
	port := recv(t, values).(SendPort)

	require.True(t, rt.PostValue(port.ID, "panic", PriorityNormal))
	report := recv(t, errs).([]any)
	require.Len(t, report, 2)
	assert.Equal(t, "Unhandled exception: panic: kaboom", report[0])
	assert.Contains(t, report[1], "goroutine")
	waitDone(t, iso)

	var exc *UnhandledException
	require.ErrorAs(t, iso.StickyError(), &exc)
	assert.Equal(t, "kaboom", exc.Panic)
	assert.Equal(t, ExitCodeRuntimeError, ExitCode(iso.StickyError()))
}

func TestIsolate_DeserializationError(t *testing.T) {
	rt := newTestRuntime(t)
	inbox, values := newInbox(t, rt)
	iso := spawnFunction(t, rt, echoEntry(nil), inbox, SpawnOptions{})
	port := recv(t, values).(SendPort)

	require.True(t, rt.Ports().PostMessage(NewMessage(port.ID, []byte{0xff, 0x00}, PriorityNormal)))
	waitDone(t, iso)
	var deser *DeserializationError
	require.ErrorAs(t, iso.StickyError(), &deser)
	assert.Equal(t, port.ID, deser.Port)
}

func TestIsolate_SpawnResolutionFailure(t *testing.T) {
	rt := newTestRuntime(t)
	onExit, exits := newInbox(t, rt)
	onError, errs := newInbox(t, rt)

	state, err := NewSpawnState(SendPort{}, 0, testProgram(), EntryRef{FunctionName: "missing"}, nil, false,
		SpawnOptions{OnExit: onExit, OnError: onError})
	require.NoError(t, err)
	iso, err := rt.Spawn(state)
	require.NoError(t, err)

	assert.Nil(t, recv(t, exits))
	waitDone(t, iso)
	var lang *LanguageError
	require.ErrorAs(t, iso.StickyError(), &lang)
	assert.Equal(t, "Unable to resolve function 'missing' in library 'test:main'.", lang.Message)
	noValue(t, errs, 20*time.Millisecond)
}

func TestIsolate_SpawnURIMissingScript(t *testing.T) {
	rt := newTestRuntime(t, WithProgramLoader(StaticLoader{}))
	state, err := NewSpawnURIState(SendPort{}, "test:missing", nil, nil, SpawnOptions{})
	require.NoError(t, err)
	iso, err := rt.Spawn(state)
	require.NoError(t, err)
	waitDone(t, iso)
	assert.EqualError(t, iso.StickyError(), "Unable to load script 'test:missing'.")
	assert.Equal(t, ExitCodeCompileError, ExitCode(iso.StickyError()))
}

func TestIsolate_LoaderFailure(t *testing.T) {
	rt := newTestRuntime(t, WithProgramLoader(ProgramLoaderFunc(func(context.Context, string) (Program, error) {
		return nil, errors.New("disk on fire")
	})))
	state, err := NewSpawnURIState(SendPort{}, "test:main", nil, nil, SpawnOptions{})
	require.NoError(t, err)
	iso, err := rt.Spawn(state)
	require.NoError(t, err)
	waitDone(t, iso)
	assert.EqualError(t, iso.StickyError(), "Unable to load script 'test:main': disk on fire")
	assert.Equal(t, ExitCodeCompileError, ExitCode(iso.StickyError()))
}

func TestIsolate_SameOrigin(t *testing.T) {
	type payload struct{ N int }

	rt := newTestRuntime(t)
	inbox, values := newInbox(t, rt)

	child := func(iso *Isolate, _ []string, message Value) error {
		m := message.(map[string]any)
		return iso.Send(m["inbox"].(SendPort), []any{"child", m["N"], iso.OriginID()})
	}
	parent := func(iso *Isolate, _ []string, message Value) error {
		inbox := message.(SendPort)
		if err := iso.Send(inbox, payload{N: 1}); err == nil {
			return errors.New("sent an object to another origin")
		}

		var rp *ReceivePort
		rp, err := iso.NewReceivePort(func(v Value) error {
			rp.Close()
			return iso.Send(inbox, v)
		})
		if err != nil {
			return err
		}
		if err := iso.Send(rp.SendPort(), payload{N: 2}); err != nil {
			return err
		}

		spawned, err := iso.Spawn(SendPort{}, EntryRef{FunctionName: "child"}, struct {
			Inbox SendPort `wire:"inbox"`
			N     int
		}{Inbox: inbox, N: 3}, SpawnOptions{})
		if err != nil {
			return err
		}
		if spawned.OriginID() != iso.OriginID() {
			return errors.New("spawned a different origin")
		}
		return iso.Send(inbox, []any{"parent", iso.OriginID()})
	}

	program := NewScript("test:main", map[string]EntryPoint{"parent": parent, "child": child})
	state, err := NewSpawnState(SendPort{}, 0, program, EntryRef{FunctionName: "parent"}, inbox, false, SpawnOptions{})
	require.NoError(t, err)
	iso, err := rt.Spawn(state)
	require.NoError(t, err)

	got := map[string]Value{}
	for range 3 {
		switch v := recv(t, values).(type) {
		case map[string]any:
			got["object"] = v
		case []any:
			got[v[0].(string)] = v
		default:
			t.Fatalf("unexpected value: %v", v)
		}
	}
	origin := int64(iso.OriginID())
	assert.Equal(t, map[string]any{"N": int64(2)}, got["object"])
	assert.Equal(t, []any{"parent", origin}, got["parent"])
	assert.Equal(t, []any{"child", int64(3), origin}, got["child"])
	waitDone(t, iso)
	assert.NoError(t, iso.StickyError())
}

// checkingHeap records what was observable when it was released.
type checkingHeap struct {
	iso    *Isolate
	closed chan []bool
}

func (h *checkingHeap) Close() error {
	rt := h.iso.Runtime()
	h.closed <- []bool{
		rt.Isolates().Lookup(h.iso.ID()) != nil,
		rt.Ports().IsLocalPort(h.iso.MainPort(), h.iso.Handler()),
	}
	return nil
}

func TestIsolate_RemovedBeforeHeapRelease(t *testing.T) {
	closed := make(chan []bool, 1)
	var shutdownSeen []bool
	rt := newTestRuntime(t,
		WithHeapFactory(func(iso *Isolate) (Heap, error) {
			return &checkingHeap{iso: iso, closed: closed}, nil
		}),
		WithShutdownCallback(func(iso *Isolate) {
			shutdownSeen = []bool{
				iso.Runtime().Isolates().Lookup(iso.ID()) != nil,
				iso.Runtime().Ports().IsLocalPort(iso.MainPort(), iso.Handler()),
			}
		}),
	)
	iso := spawnFunction(t, rt, nopEntry, nil, SpawnOptions{})
	assert.Equal(t, []bool{false, false}, recv(t, closed))
	waitDone(t, iso)
	assert.Equal(t, []bool{true, true}, shutdownSeen)
}

func TestRuntime_HeapFactoryFailure(t *testing.T) {
	rt := newTestRuntime(t, WithHeapFactory(func(*Isolate) (Heap, error) {
		return nil, errors.New("out of memory")
	}))
	_, err := rt.NewIsolate(IsolateConfig{})
	assert.ErrorContains(t, err, "out of memory")
	assert.Zero(t, rt.Ports().Len())
	assert.Zero(t, rt.Isolates().Len())
}

func TestIsolate_HelperScope(t *testing.T) {
	rt := newTestRuntime(t)
	inbox, values := newInbox(t, rt)
	iso := spawnFunction(t, rt, echoEntry(nil), inbox, SpawnOptions{})
	port := recv(t, values).(SendPort)

	scope, err := iso.EnterHelper(HelperMarker)
	require.NoError(t, err)
	assert.Equal(t, HelperMarker, scope.Kind())
	assert.Equal(t, "marker", scope.Kind().String())
	assert.Same(t, iso, scope.Isolate())
	assert.NotNil(t, scope.Heap())
	assert.Equal(t, []Port{port.ID}, scope.ReceivePorts())
	normal, oob := scope.QueueLengths()
	assert.Zero(t, normal)
	assert.Zero(t, oob)

	other, err := iso.EnterHelper(HelperSweeper)
	require.NoError(t, err)
	other.Exit()

	require.True(t, iso.Controller().Kill(ActionImmediate))
	assert.Eventually(t, func() bool { return iso.State() == StateShuttingDown }, 5*time.Second, time.Millisecond)
	// teardown waits for the helper
	select {
	case <-iso.Done():
		t.Fatal("destroyed while a helper was attached")
	case <-time.After(50 * time.Millisecond):
	}
	_, err = iso.EnterHelper(HelperCompiler)
	assert.ErrorIs(t, err, ErrIsolateShutdown)

	scope.Exit()
	scope.Exit()
	waitDone(t, iso)
	_, err = iso.EnterHelper(HelperSweeper)
	assert.ErrorIs(t, err, ErrIsolateShutdown)
}

func TestIsolate_PauseOnStartAndExit(t *testing.T) {
	rt := newTestRuntime(t, WithPauseOnStart(true), WithPauseOnExit(true))
	ran := make(chan struct{}, 1)
	iso := spawnFunction(t, rt, func(*Isolate, []string, Value) error {
		ran <- struct{}{}
		return nil
	}, nil, SpawnOptions{})

	assert.Eventually(t, func() bool { return iso.State() == StatePausedOnStart }, 5*time.Second, time.Millisecond)
	assert.Empty(t, ran)

	iso.ResumeFromPause()
	recv(t, ran)
	waitDone(t, iso)
}

func TestIsolate_PauseOnExit(t *testing.T) {
	rt := newTestRuntime(t, WithPauseOnExit(true))
	iso := spawnFunction(t, rt, nopEntry, nil, SpawnOptions{})
	assert.Eventually(t, func() bool { return iso.State() == StatePausedOnExit }, 5*time.Second, time.Millisecond)
	select {
	case <-iso.Done():
		t.Fatal("destroyed while paused on exit")
	case <-time.After(20 * time.Millisecond):
	}
	iso.ResumeFromPause()
	waitDone(t, iso)
}

func TestIsolate_ServiceMessages(t *testing.T) {
	received := make(chan []any, 1)
	rt := newTestRuntime(t, WithServiceHandler(func(iso *Isolate, msg []any) {
		if iso.IsMutator() {
			received <- msg
		}
	}))
	inbox, values := newInbox(t, rt)
	iso := spawnFunction(t, rt, echoEntry(nil), inbox, SpawnOptions{})
	recv(t, values)

	require.True(t, rt.PostValue(iso.MainPort(), []any{int64(1), "getVM"}, PriorityOOB))
	assert.Equal(t, []any{int64(1), "getVM"}, recv(t, received))

	// only on the OOB lane
	require.True(t, rt.PostValue(iso.MainPort(), []any{int64(1), "ignored"}, PriorityNormal))
	select {
	case msg := <-received:
		t.Fatalf("unexpected service message: %v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestIsolate_Diagnostics(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, WithDiagnosticsDir(dir))
	iso := spawnFunction(t, rt, func(*Isolate, []string, Value) error {
		return errors.New("boom")
	}, nil, SpawnOptions{DebugName: "diag/worker"})
	waitDone(t, iso)

	b, err := os.ReadFile(filepath.Join(dir, diagnosticsFileName(iso)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(diagnosticsFileName(iso), "isolate-diag_worker-"))
	report := string(b)
	assert.Contains(t, report, "isolate: diag/worker\n")
	assert.Contains(t, report, "kind: runtime error\n")
	assert.Contains(t, report, "exit code: 255\n")
	assert.Contains(t, report, "error: Unhandled exception: boom\n")
}

func TestRuntime_RunMain(t *testing.T) {
	program := NewScript("test:main", map[string]EntryPoint{
		"main": func(iso *Isolate, args []string, _ Value) error {
			switch {
			case len(args) == 0:
				return nil
			case args[0] == "fail":
				return errors.New("failed")
			case args[0] == "kill":
				if _, err := iso.NewReceivePort(func(Value) error { return nil }); err != nil {
					return err
				}
				iso.Controller().Kill(ActionImmediate)
				return nil
			case args[0] == "hang":
				_, err := iso.NewReceivePort(func(Value) error { return nil })
				return err
			}
			return nil
		},
	})
	loader := StaticLoader{"test:main": program}

	for _, tc := range []struct {
		name string
		url  string
		args []string
		code int
	}{
		{name: "ok", url: "test:main", code: ExitCodeOK},
		{name: "error", url: "test:main", args: []string{"fail"}, code: ExitCodeRuntimeError},
		{name: "killed", url: "test:main", args: []string{"kill"}, code: ExitCodeOK},
		{name: "missing", url: "test:missing", code: ExitCodeCompileError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rt := newTestRuntime(t, WithProgramLoader(loader))
			err := rt.RunMain(context.Background(), tc.url, tc.args)
			assert.Equal(t, tc.code, ExitCode(err), "%v", err)
			if tc.code == ExitCodeOK {
				assert.NoError(t, err)
			}
			assert.Zero(t, rt.Isolates().Len())
		})
	}

	t.Run("cancelled", func(t *testing.T) {
		rt := newTestRuntime(t, WithProgramLoader(loader))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, rt.RunMain(ctx, "test:main", []string{"hang"}), context.DeadlineExceeded)
		assert.Eventually(t, func() bool { return rt.Isolates().Len() == 0 }, 5*time.Second, time.Millisecond)
	})
}

func TestRuntime_Shutdown(t *testing.T) {
	rt, err := New(WithLogger(testLogger(t)), WithPoller(false), WithMaxWorkers(4))
	require.NoError(t, err)
	inbox, values := newInbox(t, rt)

	running := spawnFunction(t, rt, echoEntry(nil), inbox, SpawnOptions{})
	recv(t, values)
	idle, err := rt.NewIsolate(IsolateConfig{Name: "idle"})
	require.NoError(t, err)
	assert.Equal(t, 2, rt.Isolates().Len())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))
	waitDone(t, running)
	waitDone(t, idle)
	assert.Zero(t, rt.Isolates().Len())

	var unwind *UnwindError
	require.ErrorAs(t, running.StickyError(), &unwind)
	assert.False(t, unwind.UserInitiated)
	assert.NoError(t, idle.StickyError())

	assert.ErrorIs(t, rt.Shutdown(ctx), ErrRuntimeClosed)
	_, err = rt.NewIsolate(IsolateConfig{})
	assert.ErrorIs(t, err, ErrRuntimeClosed)
	assert.False(t, rt.Pool().Run(func() {}))
}

func TestNew_InvalidOptions(t *testing.T) {
	for _, opt := range []Option{
		WithMaxWorkers(-1),
		WithWorkerIdleTimeout(0),
		WithPollerMaxEvents(0),
		WithInitialTokens(0),
		WithInitialTokens(TokenCountMask + 1),
		WithHeapFactory(nil),
	} {
		_, err := New(opt, WithPoller(false))
		assert.Error(t, err)
	}
}
