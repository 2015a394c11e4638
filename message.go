package isolate

import (
	"fmt"
)

// Port identifies a message endpoint owned by exactly one MessageHandler.
type Port uint64

// IllegalPort is never allocated, and is used as the destination of
// messages that are posted directly to a handler.
const IllegalPort Port = 0

// Priority is the delivery lane of a Message.
type Priority uint8

const (
	// PriorityNormal messages are delivered in FIFO order, and are held while
	// the receiving isolate is paused.
	PriorityNormal Priority = iota
	// PriorityOOB messages preempt normal messages, and are delivered even
	// while the receiving isolate is paused or busy.
	PriorityOOB
)

// Message is an immutable envelope carrying a serialized payload to a port.
type Message struct {
	payload             []byte
	dest                Port
	deliveryFailurePort Port
	priority            Priority
}

// NewMessage constructs a message. The payload must not be modified after
// this call.
func NewMessage(dest Port, payload []byte, priority Priority) *Message {
	return &Message{dest: dest, payload: payload, priority: priority}
}

// NewMessageWithDeliveryFailure constructs a message that is redirected, at
// most once, to failurePort if dest cannot accept it.
func NewMessageWithDeliveryFailure(dest Port, payload []byte, priority Priority, failurePort Port) *Message {
	return &Message{dest: dest, payload: payload, priority: priority, deliveryFailurePort: failurePort}
}

// Dest returns the destination port.
func (m *Message) Dest() Port { return m.dest }

// Payload returns the serialized payload. Callers must not modify it.
func (m *Message) Payload() []byte { return m.payload }

// Priority returns the delivery lane.
func (m *Message) Priority() Priority { return m.priority }

// IsOOB reports whether the message uses the out-of-band lane.
func (m *Message) IsOOB() bool { return m.priority == PriorityOOB }

// DeliveryFailurePort returns the redirect target, or IllegalPort.
func (m *Message) DeliveryFailurePort() Port { return m.deliveryFailurePort }

// redirect returns a copy addressed to the delivery failure port, which
// itself has no delivery failure port.
func (m *Message) redirect() (*Message, bool) {
	if m.deliveryFailurePort == IllegalPort {
		return nil, false
	}
	return &Message{dest: m.deliveryFailurePort, payload: m.payload, priority: m.priority}, true
}

func (m *Message) String() string {
	lane := "normal"
	if m.IsOOB() {
		lane = "oob"
	}
	return fmt.Sprintf("Message{dest: %d, lane: %s, bytes: %d}", m.dest, lane, len(m.payload))
}

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "Normal"
	case PriorityOOB:
		return "OOB"
	default:
		return "Unknown"
	}
}
