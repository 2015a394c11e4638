package isolate

// descriptor is the poller-side state of a watched file descriptor. It is
// only used from the poller goroutine.
type descriptor interface {
	info() *descriptorInfo
	listening() bool
	// interest is the union of the requested events.
	interest() EventMask
	// mask is the interest to register with the multiplexer, zero if no
	// notification may currently be delivered.
	mask() EventMask
	setPortAndMask(port Port, mask EventMask)
	// nextNotifyPort consumes a token, returning the port to notify, or
	// IllegalPort if none has tokens.
	nextNotifyPort() Port
	notifyAll(post func(Port, EventMask), events EventMask)
	returnTokens(port Port, count int)
	removePort(port Port)
	empty() bool
}

type descriptorInfo struct {
	fd             int
	registeredMask EventMask
	registered     bool
	// failed is set once registration has failed, after which the
	// descriptor is treated as closed.
	failed bool
}

func (x *descriptorInfo) info() *descriptorInfo { return x }

// socketData is a connected socket, or any other non-listening descriptor,
// watched by a single port.
type socketData struct {
	descriptorInfo
	port        Port
	interestSet EventMask
	tokens      int
}

func newSocketData(fd int, tokens int) *socketData {
	return &socketData{descriptorInfo: descriptorInfo{fd: fd}, tokens: tokens}
}

func (x *socketData) listening() bool { return false }

func (x *socketData) interest() EventMask { return x.interestSet }

func (x *socketData) mask() EventMask {
	if x.port == IllegalPort || x.tokens <= 0 {
		return 0
	}
	return x.interestSet
}

func (x *socketData) setPortAndMask(port Port, mask EventMask) {
	x.port = port
	x.interestSet = mask
}

func (x *socketData) nextNotifyPort() Port {
	if x.port == IllegalPort || x.tokens <= 0 {
		return IllegalPort
	}
	x.tokens--
	return x.port
}

func (x *socketData) notifyAll(post func(Port, EventMask), events EventMask) {
	if x.port != IllegalPort {
		post(x.port, events)
	}
}

func (x *socketData) returnTokens(port Port, count int) {
	if port != x.port {
		return
	}
	x.tokens += count
}

func (x *socketData) removePort(port Port) {
	if port == x.port {
		x.port = IllegalPort
		x.interestSet = 0
	}
}

func (x *socketData) empty() bool { return x.port == IllegalPort }

// listeningSocketData is a listening socket, which may be watched by many
// ports, e.g. one per isolate accepting on a shared socket. Notifications go
// round-robin to ports with read interest and tokens.
type listeningSocketData struct {
	descriptorInfo
	// entries in notification order, the next port to notify first
	entries       []*listeningEntry
	initialTokens int
}

type listeningEntry struct {
	port   Port
	mask   EventMask
	tokens int
}

func newListeningSocketData(fd int, initialTokens int) *listeningSocketData {
	return &listeningSocketData{descriptorInfo: descriptorInfo{fd: fd}, initialTokens: initialTokens}
}

func (x *listeningSocketData) listening() bool { return true }

func (x *listeningSocketData) find(port Port) int {
	for i, e := range x.entries {
		if e.port == port {
			return i
		}
	}
	return -1
}

func (x *listeningSocketData) interest() EventMask {
	var m EventMask
	for _, e := range x.entries {
		m |= e.mask
	}
	return m
}

func (x *listeningSocketData) mask() EventMask {
	for _, e := range x.entries {
		if e.tokens > 0 && e.mask&EventIn != 0 {
			return EventIn
		}
	}
	return 0
}

func (x *listeningSocketData) setPortAndMask(port Port, mask EventMask) {
	if i := x.find(port); i >= 0 {
		x.entries[i].mask = mask
		return
	}
	x.entries = append(x.entries, &listeningEntry{port: port, mask: mask, tokens: x.initialTokens})
}

func (x *listeningSocketData) nextNotifyPort() Port {
	for i, e := range x.entries {
		if e.tokens <= 0 || e.mask&EventIn == 0 {
			continue
		}
		e.tokens--
		// rotate, so the next notification goes to a different port
		copy(x.entries[i:], x.entries[i+1:])
		x.entries[len(x.entries)-1] = e
		return e.port
	}
	return IllegalPort
}

func (x *listeningSocketData) notifyAll(post func(Port, EventMask), events EventMask) {
	for _, e := range x.entries {
		post(e.port, events)
	}
}

func (x *listeningSocketData) returnTokens(port Port, count int) {
	if i := x.find(port); i >= 0 {
		x.entries[i].tokens += count
	}
}

func (x *listeningSocketData) removePort(port Port) {
	if i := x.find(port); i >= 0 {
		copy(x.entries[i:], x.entries[i+1:])
		x.entries[len(x.entries)-1] = nil
		x.entries = x.entries[:len(x.entries)-1]
	}
}

func (x *listeningSocketData) empty() bool { return len(x.entries) == 0 }
