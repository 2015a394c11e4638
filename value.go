package isolate

import (
	"fmt"

	"github.com/joeycumines/go-isolate/internal/wire"
)

// Value is a managed value. Values crossing an isolate boundary are always
// serialized, and decode to one of:
//
//	nil, bool, int64, uint64, float64, string, []byte, []any,
//	map[string]any, SendPort, Capability
type Value = any

// SendPort is the transferable address of a port.
type SendPort struct {
	// ID is the destination port.
	ID Port
	// Origin is the origin id of the isolate that created the port.
	Origin uint64
}

// wire tags, from the CBOR first come first served range
const (
	tagSendPort   uint64 = 0x69736f01
	tagCapability uint64 = 0x69736f02
)

var messageCodec *wire.Codec

func init() {
	var err error
	messageCodec, err = wire.NewCodec(map[uint64]wire.Decoder{
		tagSendPort:   decodeSendPort,
		tagCapability: decodeCapability,
	})
	if err != nil {
		panic(err)
	}
}

// IsValid reports whether the port is not IllegalPort.
func (p SendPort) IsValid() bool { return p.ID != IllegalPort }

// WireTag implements wire.Extension.
func (p SendPort) WireTag() uint64 { return tagSendPort }

// WireContent implements wire.Extension.
func (p SendPort) WireContent() any { return []any{uint64(p.ID), p.Origin} }

func (p SendPort) String() string {
	return fmt.Sprintf("SendPort(%d)", p.ID)
}

// Serialize encodes v using the restrictive object graph rule, accepting
// only transferable values.
func Serialize(v Value) ([]byte, error) {
	return messageCodec.Marshal(v, wire.Restricted)
}

// SerializeAny encodes v, additionally accepting structs and pointers. It is
// only used between isolates of the same origin.
func SerializeAny(v Value) ([]byte, error) {
	return messageCodec.Marshal(v, wire.AnyObject)
}

// Deserialize decodes a payload produced by Serialize or SerializeAny.
func Deserialize(b []byte) (Value, error) {
	return messageCodec.Unmarshal(b)
}

func decodeSendPort(content any) (any, error) {
	fields, ok := content.([]any)
	if !ok || len(fields) != 2 {
		return nil, fmt.Errorf("isolate: malformed send port: %v", content)
	}
	id, ok1 := asUint64(fields[0])
	origin, ok2 := asUint64(fields[1])
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("isolate: malformed send port: %v", content)
	}
	return SendPort{ID: Port(id), Origin: origin}, nil
}

func decodeCapability(content any) (any, error) {
	token, ok := asUint64(content)
	if !ok {
		return nil, fmt.Errorf("isolate: malformed capability: %v", content)
	}
	return Capability{token: token}, nil
}

func asUint64(v any) (uint64, bool) {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	i, ok := v.(int64)
	return i, ok
}
