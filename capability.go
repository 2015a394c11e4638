package isolate

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
)

// Capability is an unforgeable token authorizing a privileged operation on
// an isolate, such as pausing, resuming, or terminating it. Capabilities are
// compared by equality; the zero value is never valid.
type Capability struct {
	token uint64
}

// NewCapability returns a fresh random capability.
func NewCapability() Capability {
	var b [8]byte
	for {
		if _, err := crand.Read(b[:]); err != nil {
			// crypto/rand.Read does not fail on supported platforms
			panic(fmt.Errorf("isolate: capability: %w", err))
		}
		if v := binary.LittleEndian.Uint64(b[:]); v != 0 {
			return Capability{token: v}
		}
	}
}

// IsValid reports whether c is not the zero value.
func (c Capability) IsValid() bool { return c.token != 0 }

func (c Capability) String() string {
	if !c.IsValid() {
		return "Capability(invalid)"
	}
	return "Capability(...)"
}

// WireTag implements wire.Extension.
func (c Capability) WireTag() uint64 { return tagCapability }

// WireContent implements wire.Extension.
func (c Capability) WireContent() any { return c.token }
