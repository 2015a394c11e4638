package isolate

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"
)

// goRunner runs each task on a new goroutine.
type goRunner struct {
	wg sync.WaitGroup
}

func (r *goRunner) Run(task func()) bool {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		task()
	}()
	return true
}

type refusingRunner struct{}

func (refusingRunner) Run(func()) bool { return false }

// recordingDispatcher records handled messages, returning statuses from
// the optional handle func.
type recordingDispatcher struct {
	handle   func(msg *Message) MessageStatus
	handled  chan *Message
	mu       sync.Mutex
	notified []Priority
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{handled: make(chan *Message, 1024)}
}

func (d *recordingDispatcher) HandleMessage(msg *Message) MessageStatus {
	status := StatusOK
	if d.handle != nil {
		status = d.handle(msg)
	}
	d.handled <- msg
	return status
}

func (d *recordingDispatcher) MessageNotify(priority Priority) {
	d.mu.Lock()
	d.notified = append(d.notified, priority)
	d.mu.Unlock()
}

func (d *recordingDispatcher) next(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-d.handled:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func (d *recordingDispatcher) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-d.handled:
		t.Fatalf("unexpected message: %v", msg)
	case <-time.After(wait):
	}
}

func testLogger(t *testing.T) *logiface.Logger[logiface.Event] {
	t.Helper()
	if testing.Verbose() {
		return NewLogger(testWriter{t}, logiface.LevelDebug)
	}
	return NewLogger(io.Discard, logiface.LevelDebug)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(b []byte) (int, error) {
	w.t.Log(string(b))
	return len(b), nil
}

func mustSerialize(t *testing.T, v Value) []byte {
	t.Helper()
	b, err := Serialize(v)
	require.NoError(t, err)
	return b
}

func mustDeserialize(t *testing.T, b []byte) Value {
	t.Helper()
	v, err := Deserialize(b)
	require.NoError(t, err)
	return v
}

// newTestRuntime creates a runtime without a poller, shut down when the
// test ends.
func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger(t)), WithPoller(false)}, opts...)
	rt, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func waitDone(t *testing.T, iso *Isolate) {
	t.Helper()
	select {
	case <-iso.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("isolate %s did not exit, state %s", iso.Name(), iso.State())
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a value")
		var zero T
		return zero
	}
}

// inboxDispatcher decodes each message, for tests to receive values sent
// by isolates.
type inboxDispatcher struct {
	values chan Value
}

func (d *inboxDispatcher) HandleMessage(msg *Message) MessageStatus {
	v, err := Deserialize(msg.Payload())
	if err != nil {
		v = err
	}
	d.values <- v
	return StatusOK
}

func (d *inboxDispatcher) MessageNotify(Priority) {}

// newInbox creates a live port, outside any isolate, and returns its
// address and the values it receives.
func newInbox(t *testing.T, rt *Runtime) (SendPort, <-chan Value) {
	t.Helper()
	d := &inboxDispatcher{values: make(chan Value, 64)}
	h := NewMessageHandler("inbox", d, nil)
	port := rt.Ports().CreatePort(h)
	require.NoError(t, rt.Ports().SetPortState(port, PortStateLive))
	require.NoError(t, h.Run(new(goRunner), nil, nil))
	t.Cleanup(func() { rt.Ports().ClosePort(port) })
	return SendPort{ID: port}, d.values
}

// spawnFunction spawns fn, as the only function of a fresh program.
func spawnFunction(t *testing.T, rt *Runtime, fn EntryPoint, message Value, opts SpawnOptions) *Isolate {
	t.Helper()
	program := NewScript("test:main", map[string]EntryPoint{"f": fn})
	state, err := NewSpawnState(SendPort{}, 0, program, EntryRef{FunctionName: "f"}, message, false, opts)
	require.NoError(t, err)
	iso, err := rt.Spawn(state)
	require.NoError(t, err)
	return iso
}

// echoEntry expects an inbox SendPort as its message. It creates a receive
// port forwarding every value to the inbox, after calling hook (if
// non-nil), then sends the port's address to the inbox.
func echoEntry(hook func(iso *Isolate, v Value) error) EntryPoint {
	return func(iso *Isolate, _ []string, message Value) error {
		inbox := message.(SendPort)
		rp, err := iso.NewReceivePort(func(v Value) error {
			if hook != nil {
				if err := hook(iso, v); err != nil {
					return err
				}
			}
			return iso.Send(inbox, v)
		})
		if err != nil {
			return err
		}
		return iso.Send(inbox, rp.SendPort())
	}
}

// noValue fails if a value arrives within wait.
func noValue(t *testing.T, values <-chan Value, wait time.Duration) {
	t.Helper()
	select {
	case v := <-values:
		t.Fatalf("unexpected value: %v", v)
	case <-time.After(wait):
	}
}
