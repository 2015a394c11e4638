package isolate

// dispatcher adapts an Isolate to the MessageHandler.
type dispatcher struct {
	iso *Isolate
}

var (
	_ Dispatcher    = (*dispatcher)(nil)
	_ PauseNotifier = (*dispatcher)(nil)
)

func (d *dispatcher) HandleMessage(msg *Message) MessageStatus {
	iso := d.iso
	release := iso.enterMutator()
	defer release()

	if msg.IsOOB() || msg.dest == IllegalPort {
		return iso.handleLibMessage(msg)
	}

	iso.mu.Lock()
	fn := iso.listeners[msg.dest]
	iso.mu.Unlock()
	if fn == nil {
		// closed after the message was queued
		if redirected, ok := msg.redirect(); ok {
			iso.rt.ports.PostMessage(redirected)
		}
		return StatusOK
	}

	v, err := Deserialize(msg.payload)
	if err != nil {
		return iso.processUnhandledException(&DeserializationError{Cause: err, Port: msg.dest})
	}

	status := StatusOK
	if err := iso.invoke(func() error { return fn(v) }); err != nil {
		status = iso.processUnhandledException(err)
	}
	if pending := iso.takePending(); status == StatusOK {
		status = pending
	}
	return status
}

// MessageNotify interrupts the running isolate for OOB messages.
func (d *dispatcher) MessageNotify(priority Priority) {
	if priority == PriorityOOB {
		d.iso.interrupts.schedule(InterruptMessage)
	}
}

func (d *dispatcher) NotifyPauseOnStart() {
	d.iso.state.TryTransition(StateRunnable, StatePausedOnStart)
}

func (d *dispatcher) NotifyPauseOnExit() {
	d.iso.state.TryTransition(StateRunning, StatePausedOnExit)
}

// handleLibMessage handles OOB messages, and the delayed control messages
// an isolate posts to itself.
func (iso *Isolate) handleLibMessage(msg *Message) MessageStatus {
	v, err := Deserialize(msg.payload)
	if err != nil {
		iso.malformedMessage(msg, err)
		return StatusOK
	}
	tuple, ok := v.([]any)
	if !ok || len(tuple) == 0 {
		iso.malformedMessage(msg, errMalformedControl)
		return StatusOK
	}
	tag, _ := asInt64(tuple[0])

	switch {
	case tag == oobServiceMessage && msg.IsOOB():
		iso.handleServiceMessage(tuple)
		return StatusOK

	case tag == oobIsolateLibMessage && msg.IsOOB(),
		tag == oobDelayedIsolateLibMessage && !msg.IsOOB():
		req, err := decodeControlRequest(tuple)
		if err != nil {
			iso.malformedMessage(msg, err)
			return StatusOK
		}
		return iso.handleControl(req)

	default:
		iso.malformedMessage(msg, errMalformedControl)
		return StatusOK
	}
}

func (iso *Isolate) handleServiceMessage(msg []any) {
	fn := iso.rt.opts.service
	if fn == nil {
		iso.rt.logger.Debug().Str(`isolate`, iso.name).Log(`isolate: service message ignored`)
		return
	}
	if err := iso.invoke(func() error { fn(iso, msg); return nil }); err != nil {
		iso.rt.logger.Err().Str(`isolate`, iso.name).Err(err).Log(`isolate: service handler failed`)
	}
}

func (iso *Isolate) malformedMessage(msg *Message, err error) {
	if iso.rt.throttle.allow(throttleMalformed) {
		iso.rt.logger.Warning().
			Str(`isolate`, iso.name).
			Uint64(`port`, uint64(msg.dest)).
			Stringer(`priority`, msg.priority).
			Err(err).
			Log(`isolate: dropped malformed control message`)
	}
}

// handleControl performs an isolate library request. Requests bearing the
// wrong capability are ignored.
func (iso *Isolate) handleControl(req ControlRequest) MessageStatus {
	switch req.Kind {
	case ControlPause:
		if req.PauseCapability != iso.pauseCap {
			iso.capabilityMismatch(req)
			return StatusOK
		}
		if iso.addResumeCapability(req.ResumeCapability) {
			iso.handler.IncrementPaused()
		}

	case ControlResume:
		if req.PauseCapability != iso.pauseCap {
			iso.capabilityMismatch(req)
			return StatusOK
		}
		if iso.removeResumeCapability(req.ResumeCapability) {
			iso.handler.DecrementPaused()
		}

	case ControlPing:
		if !req.Delayed && req.Priority != ActionImmediate {
			return iso.deferControl(req)
		}
		if err := iso.Send(req.ResponsePort, req.Response); err != nil {
			iso.rt.logger.Debug().Str(`isolate`, iso.name).Err(err).Log(`isolate: failed to reply to ping`)
		}

	case ControlKill, ControlInternalKill:
		if req.TerminateCapability != iso.terminateCap {
			iso.capabilityMismatch(req)
			return StatusOK
		}
		if !req.Delayed && req.Priority != ActionImmediate {
			return iso.deferControl(req)
		}
		return iso.processUnhandledException(&UnwindError{
			Message:       "isolate terminated by Isolate.kill",
			UserInitiated: req.Kind == ControlKill,
		})

	case ControlAddExitListener:
		iso.mu.Lock()
		i := -1
		for j, l := range iso.exitListeners {
			if l.port == req.ResponsePort {
				i = j
				break
			}
		}
		if i >= 0 {
			iso.exitListeners[i].response = req.Response
		} else {
			iso.exitListeners = append(iso.exitListeners, exitListener{port: req.ResponsePort, response: req.Response})
		}
		iso.mu.Unlock()

	case ControlRemoveExitListener:
		iso.mu.Lock()
		for i, l := range iso.exitListeners {
			if l.port == req.ResponsePort {
				iso.exitListeners = append(iso.exitListeners[:i], iso.exitListeners[i+1:]...)
				break
			}
		}
		iso.mu.Unlock()

	case ControlAddErrorListener:
		iso.mu.Lock()
		found := false
		for _, port := range iso.errorListeners {
			if port == req.ResponsePort {
				found = true
				break
			}
		}
		if !found {
			iso.errorListeners = append(iso.errorListeners, req.ResponsePort)
		}
		iso.mu.Unlock()

	case ControlRemoveErrorListener:
		iso.mu.Lock()
		for i, port := range iso.errorListeners {
			if port == req.ResponsePort {
				iso.errorListeners = append(iso.errorListeners[:i], iso.errorListeners[i+1:]...)
				break
			}
		}
		iso.mu.Unlock()

	case ControlErrorsFatal:
		if req.TerminateCapability != iso.terminateCap {
			iso.capabilityMismatch(req)
			return StatusOK
		}
		iso.mu.Lock()
		iso.errorsFatal = req.Fatal
		iso.mu.Unlock()
	}

	return StatusOK
}

// deferControl re-posts a ping or kill as a delayed Normal message, acting
// immediately once dequeued. BeforeNextEvent requests go to the head of the
// Normal lane, AsEvent requests to the tail.
func (iso *Isolate) deferControl(req ControlRequest) MessageStatus {
	delayed := req
	delayed.Delayed = true
	delayed.Priority = ActionImmediate
	b, err := Serialize(delayed.encode())
	if err != nil {
		iso.rt.logger.Err().Str(`isolate`, iso.name).Err(err).Log(`isolate: failed to defer control message`)
		return StatusOK
	}
	iso.handler.PostMessage(NewMessage(IllegalPort, b, PriorityNormal), req.Priority == ActionBeforeNextEvent)
	return StatusOK
}

func (iso *Isolate) capabilityMismatch(req ControlRequest) {
	iso.rt.logger.Debug().
		Str(`isolate`, iso.name).
		Stringer(`kind`, req.Kind).
		Log(`isolate: ignored control message with mismatched capability`)
}
