package isolate

import (
	"errors"
	"fmt"
)

// Outer tags of an OOB message payload.
const (
	oobServiceMessage           int64 = 1
	oobIsolateLibMessage        int64 = 2
	oobDelayedIsolateLibMessage int64 = 3
)

// ControlKind is the isolate library operation of a control message.
type ControlKind int64

const (
	ControlPause               ControlKind = 1
	ControlResume              ControlKind = 2
	ControlPing                ControlKind = 3
	ControlKill                ControlKind = 4
	ControlAddExitListener     ControlKind = 5
	ControlRemoveExitListener  ControlKind = 6
	ControlAddErrorListener    ControlKind = 7
	ControlRemoveErrorListener ControlKind = 8
	ControlErrorsFatal         ControlKind = 9
	// ControlInternalKill is sent by the runtime, when shutting down.
	ControlInternalKill ControlKind = 11
)

// ActionPriority selects when a ping or kill takes effect.
type ActionPriority int64

const (
	// ActionImmediate acts as soon as the OOB message is seen, even while
	// the isolate is running or paused.
	ActionImmediate ActionPriority = 0
	// ActionBeforeNextEvent acts before the next Normal message.
	ActionBeforeNextEvent ActionPriority = 1
	// ActionAsEvent acts after the Normal messages already queued.
	ActionAsEvent ActionPriority = 2
)

var errMalformedControl = errors.New("isolate: malformed control message")

// ControlRequest is a decoded isolate library control message.
type ControlRequest struct {
	Response Value

	ResponsePort SendPort

	PauseCapability     Capability
	ResumeCapability    Capability
	TerminateCapability Capability

	Kind     ControlKind
	Priority ActionPriority

	// Fatal is the argument of ControlErrorsFatal.
	Fatal bool

	// Delayed marks a request re-queued to act as a Normal message.
	Delayed bool
}

func (k ControlKind) String() string {
	switch k {
	case ControlPause:
		return "Pause"
	case ControlResume:
		return "Resume"
	case ControlPing:
		return "Ping"
	case ControlKill:
		return "Kill"
	case ControlAddExitListener:
		return "AddExitListener"
	case ControlRemoveExitListener:
		return "RemoveExitListener"
	case ControlAddErrorListener:
		return "AddErrorListener"
	case ControlRemoveErrorListener:
		return "RemoveErrorListener"
	case ControlErrorsFatal:
		return "ErrorsFatal"
	case ControlInternalKill:
		return "InternalKill"
	default:
		return fmt.Sprintf("ControlKind(%d)", int64(k))
	}
}

// encode returns the fixed shape wire tuple of the request.
func (r ControlRequest) encode() []any {
	tag := oobIsolateLibMessage
	if r.Delayed {
		tag = oobDelayedIsolateLibMessage
	}
	kind := int64(r.Kind)
	switch r.Kind {
	case ControlPause, ControlResume:
		return []any{tag, kind, r.PauseCapability, r.ResumeCapability}
	case ControlPing:
		return []any{tag, kind, r.ResponsePort, int64(r.Priority), r.Response}
	case ControlKill, ControlInternalKill:
		return []any{tag, kind, r.TerminateCapability, int64(r.Priority)}
	case ControlAddExitListener:
		return []any{tag, kind, r.ResponsePort, r.Response}
	case ControlRemoveExitListener, ControlAddErrorListener, ControlRemoveErrorListener:
		return []any{tag, kind, r.ResponsePort}
	case ControlErrorsFatal:
		return []any{tag, kind, r.TerminateCapability, r.Fatal}
	default:
		panic(fmt.Errorf("isolate: cannot encode %s", r.Kind))
	}
}

// decodeControlRequest parses an isolate library tuple, as produced by
// encode. Any deviation from the expected shape is an error.
func decodeControlRequest(msg []any) (ControlRequest, error) {
	if len(msg) < 2 {
		return ControlRequest{}, errMalformedControl
	}
	tag, ok := asInt64(msg[0])
	if !ok || (tag != oobIsolateLibMessage && tag != oobDelayedIsolateLibMessage) {
		return ControlRequest{}, errMalformedControl
	}
	kind, ok := asInt64(msg[1])
	if !ok {
		return ControlRequest{}, errMalformedControl
	}
	r := ControlRequest{Kind: ControlKind(kind), Delayed: tag == oobDelayedIsolateLibMessage}

	fail := func() (ControlRequest, error) {
		return ControlRequest{}, fmt.Errorf("%w: %s with %d fields", errMalformedControl, r.Kind, len(msg))
	}

	switch r.Kind {
	case ControlPause, ControlResume:
		if len(msg) != 4 {
			return fail()
		}
		if r.PauseCapability, ok = msg[2].(Capability); !ok {
			return fail()
		}
		if r.ResumeCapability, ok = msg[3].(Capability); !ok {
			return fail()
		}

	case ControlPing:
		if len(msg) != 5 {
			return fail()
		}
		if r.ResponsePort, ok = msg[2].(SendPort); !ok {
			return fail()
		}
		if !r.setPriority(msg[3]) {
			return fail()
		}
		r.Response = msg[4]

	case ControlKill, ControlInternalKill:
		if len(msg) != 4 {
			return fail()
		}
		if r.TerminateCapability, ok = msg[2].(Capability); !ok {
			return fail()
		}
		if !r.setPriority(msg[3]) {
			return fail()
		}

	case ControlAddExitListener:
		if len(msg) != 4 {
			return fail()
		}
		if r.ResponsePort, ok = msg[2].(SendPort); !ok {
			return fail()
		}
		r.Response = msg[3]

	case ControlRemoveExitListener, ControlAddErrorListener, ControlRemoveErrorListener:
		if len(msg) != 3 {
			return fail()
		}
		if r.ResponsePort, ok = msg[2].(SendPort); !ok {
			return fail()
		}

	case ControlErrorsFatal:
		if len(msg) != 4 {
			return fail()
		}
		if r.TerminateCapability, ok = msg[2].(Capability); !ok {
			return fail()
		}
		if r.Fatal, ok = msg[3].(bool); !ok {
			return fail()
		}

	default:
		return fail()
	}

	return r, nil
}

func (r *ControlRequest) setPriority(v any) bool {
	p, ok := asInt64(v)
	if !ok || p < int64(ActionImmediate) || p > int64(ActionAsEvent) {
		return false
	}
	r.Priority = ActionPriority(p)
	return true
}

// Controller addresses an isolate's control port, holding whatever
// capabilities were granted to the caller. It is obtained from the ready
// message a spawned isolate sends to its parent, see ParseReadyMessage.
type Controller struct {
	rt                  *Runtime
	ControlPort         SendPort
	PauseCapability     Capability
	TerminateCapability Capability
}

// ParseReadyMessage decodes the `[controlPort, [pauseCapability,
// terminateCapability]]` message sent by a newly started isolate to its
// parent port.
func (rt *Runtime) ParseReadyMessage(v Value) (Controller, error) {
	msg, ok := v.([]any)
	if !ok || len(msg) != 2 {
		return Controller{}, fmt.Errorf("isolate: unexpected ready message: %v", v)
	}
	port, ok := msg[0].(SendPort)
	if !ok {
		return Controller{}, fmt.Errorf("isolate: unexpected ready message: %v", v)
	}
	caps, ok := msg[1].([]any)
	if !ok || len(caps) != 2 {
		return Controller{}, fmt.Errorf("isolate: unexpected ready message: %v", v)
	}
	pause, ok1 := caps[0].(Capability)
	terminate, ok2 := caps[1].(Capability)
	if !ok1 || !ok2 {
		return Controller{}, fmt.Errorf("isolate: unexpected ready message: %v", v)
	}
	return Controller{rt: rt, ControlPort: port, PauseCapability: pause, TerminateCapability: terminate}, nil
}

// Pause pauses the isolate until a Resume with the same resume capability.
// Pausing twice with the same resume capability has no additional effect.
func (c Controller) Pause(resume Capability) bool {
	return c.send(ControlRequest{Kind: ControlPause, PauseCapability: c.PauseCapability, ResumeCapability: resume})
}

// Resume undoes a Pause made with resume.
func (c Controller) Resume(resume Capability) bool {
	return c.send(ControlRequest{Kind: ControlResume, PauseCapability: c.PauseCapability, ResumeCapability: resume})
}

// Ping requests that response be sent to responsePort, at the given
// priority.
func (c Controller) Ping(responsePort SendPort, response Value, priority ActionPriority) bool {
	return c.send(ControlRequest{Kind: ControlPing, ResponsePort: responsePort, Response: response, Priority: priority})
}

// Kill requests that the isolate terminate, at the given priority.
func (c Controller) Kill(priority ActionPriority) bool {
	return c.send(ControlRequest{Kind: ControlKill, TerminateCapability: c.TerminateCapability, Priority: priority})
}

// AddOnExitListener requests response be sent to port when the isolate
// exits. Adding the same port again replaces its response.
func (c Controller) AddOnExitListener(port SendPort, response Value) bool {
	return c.send(ControlRequest{Kind: ControlAddExitListener, ResponsePort: port, Response: response})
}

// RemoveOnExitListener removes an exit listener.
func (c Controller) RemoveOnExitListener(port SendPort) bool {
	return c.send(ControlRequest{Kind: ControlRemoveExitListener, ResponsePort: port})
}

// AddErrorListener requests `[error, stack]` be sent to port for each
// unhandled error of the isolate.
func (c Controller) AddErrorListener(port SendPort) bool {
	return c.send(ControlRequest{Kind: ControlAddErrorListener, ResponsePort: port})
}

// RemoveErrorListener removes an error listener.
func (c Controller) RemoveErrorListener(port SendPort) bool {
	return c.send(ControlRequest{Kind: ControlRemoveErrorListener, ResponsePort: port})
}

// SetErrorsFatal sets whether unhandled errors terminate the isolate.
func (c Controller) SetErrorsFatal(fatal bool) bool {
	return c.send(ControlRequest{Kind: ControlErrorsFatal, TerminateCapability: c.TerminateCapability, Fatal: fatal})
}

func (c Controller) send(r ControlRequest) bool {
	if c.rt == nil {
		return false
	}
	return c.rt.postControl(c.ControlPort.ID, r)
}
