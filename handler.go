package isolate

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// MessageStatus is the outcome of handling a message.
type MessageStatus int

const (
	// StatusOK indicates the handler should continue.
	StatusOK MessageStatus = iota
	// StatusError indicates an unhandled error, which stops the handler.
	StatusError
	// StatusShutdown indicates the isolate is being torn down.
	StatusShutdown
)

var (
	// ErrHandlerRunning is returned by MessageHandler.Run if it was already
	// called.
	ErrHandlerRunning = errors.New("isolate: message handler already running")

	// ErrPoolClosed is returned when a task could not be scheduled because
	// the pool has shut down.
	ErrPoolClosed = errors.New("isolate: thread pool closed")
)

type (
	// Dispatcher performs the owner specific handling of messages.
	Dispatcher interface {
		// HandleMessage processes a single dequeued message. It is never
		// called concurrently for the same handler.
		HandleMessage(msg *Message) MessageStatus

		// MessageNotify is called after each successful post, from the
		// posting goroutine.
		MessageNotify(priority Priority)
	}

	// PauseNotifier may be implemented by a Dispatcher to observe the
	// handler entering the paused-on-start and paused-on-exit states.
	PauseNotifier interface {
		NotifyPauseOnStart()
		NotifyPauseOnExit()
	}

	// TaskRunner schedules tasks, e.g. a ThreadPool.
	TaskRunner interface {
		Run(task func()) bool
	}
)

// MessageHandler is the mailbox of an isolate. It holds a Normal and an OOB
// lane, and while bound to a TaskRunner (see Run) it schedules a task to
// drain them whenever messages arrive, so that an idle isolate never holds
// a worker.
//
// OOB messages are always dequeued first. Normal messages are held while the
// handler is paused.
type MessageHandler struct {
	dispatcher Dispatcher
	pool       TaskRunner
	start      func() MessageStatus
	end        func(status MessageStatus)
	logger     *logiface.Logger[logiface.Event]
	name       string
	queue      messageQueue
	oobQueue   messageQueue
	livePorts  atomic.Int64
	mu         sync.Mutex
	paused     int
	// exitStatus is the status the handler paused on exit with
	exitStatus MessageStatus

	taskRunning   bool
	closed        bool
	pauseOnStart  bool
	pauseOnExit   bool
	pausedOnStart bool
	pausedOnExit  bool
}

// NewMessageHandler creates a handler delivering to dispatcher. The logger
// may be nil.
func NewMessageHandler(name string, dispatcher Dispatcher, logger *logiface.Logger[logiface.Event]) *MessageHandler {
	if dispatcher == nil {
		panic("isolate: nil dispatcher")
	}
	return &MessageHandler{name: name, dispatcher: dispatcher, logger: logger}
}

// Name returns the name the handler was created with.
func (h *MessageHandler) Name() string { return h.name }

// Run binds the handler to pool and schedules its first task, which calls
// start (if non-nil) before handling any Normal message. Once the handler
// stops, because a message returned a non-OK status or because it has no
// live ports left, end is called (if non-nil) with the final status, and no
// further tasks are scheduled.
func (h *MessageHandler) Run(pool TaskRunner, start func() MessageStatus, end func(status MessageStatus)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pool != nil || h.start != nil || h.end != nil {
		return ErrHandlerRunning
	}
	if h.closed {
		return ErrPortClosed
	}
	h.pool = pool
	h.start = start
	h.end = end
	if !h.scheduleLocked() {
		h.pool = nil
		h.start = nil
		h.end = nil
		return ErrPoolClosed
	}
	return nil
}

// PostMessage enqueues msg on its lane. With atHead, it is placed after any
// other messages posted at the head, but before every other message of the
// lane. Messages posted after the handler was closed are dropped.
func (h *MessageHandler) PostMessage(msg *Message, atHead bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if msg.IsOOB() {
		h.oobQueue.enqueue(msg, atHead)
	} else {
		h.queue.enqueue(msg, atHead)
	}
	if h.pool != nil && !h.taskRunning {
		h.scheduleLocked()
	}
	h.mu.Unlock()

	h.dispatcher.MessageNotify(msg.priority)
}

// HandleOOBMessages drains the OOB lane on the calling goroutine. It is used
// by a running isolate, when it observes the message interrupt.
func (h *MessageHandler) HandleOOBMessages() MessageStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handleMessages(false, false)
}

// Paused reports whether Normal messages are currently held.
func (h *MessageHandler) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused > 0
}

// IncrementPaused increments the pause count.
func (h *MessageHandler) IncrementPaused() {
	h.mu.Lock()
	h.paused++
	h.mu.Unlock()
}

// DecrementPaused decrements the pause count, rescheduling the handler if
// it reaches zero with Normal messages waiting.
func (h *MessageHandler) DecrementPaused() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused <= 0 {
		return
	}
	h.paused--
	if h.paused == 0 && h.queue.len() != 0 && h.pool != nil && !h.taskRunning {
		h.scheduleLocked()
	}
}

// SetPauseOnStart configures whether the handler pauses before calling its
// start callback.
func (h *MessageHandler) SetPauseOnStart(v bool) {
	h.mu.Lock()
	h.pauseOnStart = v
	h.mu.Unlock()
}

// SetPauseOnExit configures whether the handler pauses before calling its
// end callback.
func (h *MessageHandler) SetPauseOnExit(v bool) {
	h.mu.Lock()
	h.pauseOnExit = v
	h.mu.Unlock()
}

// PausedOnStart reports whether the handler is waiting to start.
func (h *MessageHandler) PausedOnStart() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pausedOnStart
}

// PausedOnExit reports whether the handler is waiting to exit.
func (h *MessageHandler) PausedOnExit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pausedOnExit
}

// ResumeFromPause clears both pause-on-start and pause-on-exit, and
// reschedules the handler.
func (h *MessageHandler) ResumeFromPause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pauseOnStart = false
	h.pauseOnExit = false
	if h.pool != nil && !h.taskRunning {
		h.scheduleLocked()
	}
}

// HasLivePorts reports whether any port in PortStateLive is owned by the
// handler.
func (h *MessageHandler) HasLivePorts() bool {
	return h.livePorts.Load() > 0
}

// HasOOBMessages reports whether the OOB lane is non-empty.
func (h *MessageHandler) HasOOBMessages() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.oobQueue.len() != 0
}

// QueueLengths returns the number of queued Normal and OOB messages.
func (h *MessageHandler) QueueLengths() (normal, oob int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queue.len(), h.oobQueue.len()
}

// closeAllPorts discards all queued messages. Called by the PortRegistry
// once every port of the handler has been removed.
func (h *MessageHandler) closeAllPorts() {
	h.mu.Lock()
	h.queue.clear()
	h.oobQueue.clear()
	h.mu.Unlock()
}

// close permanently detaches the handler.
func (h *MessageHandler) close() {
	h.mu.Lock()
	h.closed = true
	h.pool = nil
	h.queue.clear()
	h.oobQueue.clear()
	h.mu.Unlock()
}

// scheduleLocked starts a task, returning false if the pool refused it.
func (h *MessageHandler) scheduleLocked() bool {
	h.taskRunning = true
	if h.pool.Run(h.taskCallback) {
		return true
	}
	h.taskRunning = false
	h.logger.Warning().
		Str(`handler`, h.name).
		Log(`isolate: failed to schedule message handler task`)
	return false
}

func (h *MessageHandler) dequeueLocked(minPriority Priority) *Message {
	if msg := h.oobQueue.dequeue(); msg != nil {
		return msg
	}
	if minPriority == PriorityNormal {
		return h.queue.dequeue()
	}
	return nil
}

func (h *MessageHandler) minPriorityLocked(allowNormal bool) Priority {
	if allowNormal && h.paused == 0 {
		return PriorityNormal
	}
	return PriorityOOB
}

// handleMessages dispatches queued messages until none are eligible, or a
// message returns a non-OK status. The mutex must be held; it is released
// while each message is dispatched.
func (h *MessageHandler) handleMessages(allowNormal, allowMultipleNormal bool) MessageStatus {
	msg := h.dequeueLocked(h.minPriorityLocked(allowNormal))
	for msg != nil {
		priority := msg.priority

		h.mu.Unlock()
		status := h.dispatcher.HandleMessage(msg)
		h.mu.Lock()

		if status != StatusOK {
			return status
		}
		if priority == PriorityNormal && !allowMultipleNormal {
			break
		}
		// the paused state may have changed while handling the message
		msg = h.dequeueLocked(h.minPriorityLocked(allowNormal))
	}
	return StatusOK
}

func (h *MessageHandler) shouldPauseOnExitLocked(status MessageStatus) bool {
	return h.pauseOnExit && status != StatusShutdown
}

// taskCallback is run on the pool, and is the only place that dispatches
// messages outside of HandleOOBMessages.
func (h *MessageHandler) taskCallback() {
	status := StatusOK

	h.mu.Lock()

	if h.pauseOnStart {
		if !h.pausedOnStart {
			h.pausedOnStart = true
			if n, ok := h.dispatcher.(PauseNotifier); ok {
				n.NotifyPauseOnStart()
			}
		}
		status = h.handleMessages(false, false)
		if status == StatusOK && h.pauseOnStart {
			h.taskRunning = false
			h.mu.Unlock()
			return
		}
		h.pausedOnStart = false
	}

	if status == StatusOK {
		status = h.exitStatus
	}

	if status == StatusOK {
		if start := h.start; start != nil {
			h.start = nil
			h.mu.Unlock()
			status = start()
			h.mu.Lock()
		}
		if status == StatusOK {
			status = h.handleMessages(true, true)
		}
	}

	if status != StatusOK || !h.HasLivePorts() {
		if h.shouldPauseOnExitLocked(status) {
			if !h.pausedOnExit {
				h.pausedOnExit = true
				if n, ok := h.dispatcher.(PauseNotifier); ok {
					n.NotifyPauseOnExit()
				}
			}
			if s := h.handleMessages(false, false); s != StatusOK {
				status = s
			}
			if h.shouldPauseOnExitLocked(status) {
				h.exitStatus = status
				h.taskRunning = false
				h.mu.Unlock()
				return
			}
			h.pausedOnExit = false
		}

		end := h.end
		h.end = nil
		h.pool = nil
		h.taskRunning = false
		h.mu.Unlock()

		if end != nil {
			end(status)
		}
		return
	}

	h.taskRunning = false
	h.mu.Unlock()
}
