// Package wire implements the deterministic serialization used for message
// payloads that cross an isolate boundary.
//
// Values are encoded as canonical CBOR (RFC 7049 section 3.9), so that equal
// value graphs always produce identical bytes. Decoded values are normalized
// to a small set of Go types:
//
//	nil, bool, int64, uint64 (only above math.MaxInt64), float64, string,
//	[]byte, []any, map[string]any
//
// plus whatever the registered tag decoders return.
package wire

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// MaxDepth bounds the nesting of encoded and decoded value graphs. Graphs
// containing cycles are rejected once they exceed it.
const MaxDepth = 256

// Mode selects which object graph rule is applied while encoding.
type Mode int

const (
	// Restricted accepts only transferable values: primitives, strings, byte
	// slices, slices and arrays, string-keyed maps, and Extension values.
	Restricted Mode = iota
	// AnyObject additionally accepts structs (exported fields, encoded as
	// maps) and pointers, which are followed.
	AnyObject
)

var (
	// ErrTooDeep is returned for graphs nested deeper than MaxDepth.
	ErrTooDeep = errors.New("wire: value graph too deep")

	// ErrUnknownTag is returned when decoding a tag with no registered decoder.
	ErrUnknownTag = errors.New("wire: unknown tag")

	// ErrInvalidUTF8 is returned when encoding a string or map key that is not
	// valid UTF-8, which the decoder would reject.
	ErrInvalidUTF8 = errors.New("wire: string is not valid UTF-8")
)

type (
	// Extension is implemented by values with their own wire representation,
	// encoded as a CBOR tag wrapping WireContent.
	Extension interface {
		WireTag() uint64
		WireContent() any
	}

	// Decoder converts the (already normalized) content of a tag back into a
	// value.
	Decoder func(content any) (any, error)

	// Codec encodes and decodes payloads. It is safe for concurrent use.
	Codec struct {
		decoders map[uint64]Decoder
		dec      cbor.DecMode
	}

	// UnsupportedValueError reports a value rejected by the active Mode.
	UnsupportedValueError struct {
		Type reflect.Type
		Mode Mode
	}
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// NewCodec builds a Codec, decoding the given tag numbers with the given
// decoders.
func NewCodec(decoders map[uint64]Decoder) (*Codec, error) {
	dec, err := cbor.DecOptions{
		MaxNestedLevels: MaxDepth,
		IntDec:          cbor.IntDecConvertNone,
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("wire: decoder options: %w", err)
	}
	c := &Codec{decoders: make(map[uint64]Decoder, len(decoders)), dec: dec}
	for tag, fn := range decoders {
		if fn == nil {
			return nil, fmt.Errorf("wire: nil decoder for tag %d", tag)
		}
		c.decoders[tag] = fn
	}
	return c, nil
}

func (e *UnsupportedValueError) Error() string {
	if e.Mode == AnyObject {
		return fmt.Sprintf("wire: unsupported value of type %s", e.Type)
	}
	return fmt.Sprintf("wire: illegal argument in isolate message: value of type %s is not transferable", e.Type)
}

// Marshal encodes v under the given mode.
func (c *Codec) Marshal(v any, mode Mode) ([]byte, error) {
	prepared, err := prepare(reflect.ValueOf(v), mode, 0)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(prepared)
}

// Unmarshal decodes a payload produced by Marshal.
func (c *Codec) Unmarshal(data []byte) (any, error) {
	var raw any
	if err := c.dec.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return c.normalize(raw, 0)
}

var (
	extensionType = reflect.TypeFor[Extension]()
	bytesType     = reflect.TypeFor[[]byte]()
)

func prepare(v reflect.Value, mode Mode, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	if !v.IsValid() {
		return nil, nil
	}

	if v.Type().Implements(extensionType) {
		if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
			return nil, nil
		}
		ext := v.Interface().(Extension)
		content, err := prepare(reflect.ValueOf(ext.WireContent()), mode, depth+1)
		if err != nil {
			return nil, err
		}
		return cbor.Tag{Number: ext.WireTag(), Content: content}, nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return prepare(v.Elem(), mode, depth)

	case reflect.Bool:
		return v.Bool(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > math.MaxInt64 {
			return u, nil
		}
		return int64(u), nil

	case reflect.Float32, reflect.Float64:
		return v.Float(), nil

	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return nil, ErrInvalidUTF8
		}
		return v.String(), nil

	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().ConvertibleTo(bytesType) {
			return v.Convert(bytesType).Bytes(), nil
		}
		fallthrough

	case reflect.Array:
		out := make([]any, v.Len())
		for i := range out {
			elem, err := prepare(v.Index(i), mode, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, &UnsupportedValueError{Type: v.Type(), Mode: mode}
		}
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			elem, err := prepare(iter.Value(), mode, depth+1)
			if err != nil {
				return nil, err
			}
			key := iter.Key().String()
			if !utf8.ValidString(key) {
				return nil, ErrInvalidUTF8
			}
			out[key] = elem
		}
		return out, nil

	case reflect.Pointer:
		if mode != AnyObject {
			return nil, &UnsupportedValueError{Type: v.Type(), Mode: mode}
		}
		if v.IsNil() {
			return nil, nil
		}
		return prepare(v.Elem(), mode, depth+1)

	case reflect.Struct:
		if mode != AnyObject {
			return nil, &UnsupportedValueError{Type: v.Type(), Mode: mode}
		}
		return prepareStruct(v, mode, depth)
	}

	return nil, &UnsupportedValueError{Type: v.Type(), Mode: mode}
}

// prepareStruct encodes exported fields as a map, honoring `wire:"name"` and
// `wire:"-"` field tags.
func prepareStruct(v reflect.Value, mode Mode, depth int) (any, error) {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup(`wire`); ok {
			if tag == `-` {
				continue
			}
			if tag != `` {
				name = tag
			}
		}
		if !utf8.ValidString(name) {
			return nil, fmt.Errorf("wire: field %s.%s: %w", t, field.Name, ErrInvalidUTF8)
		}
		elem, err := prepare(v.Field(i), mode, depth+1)
		if err != nil {
			return nil, fmt.Errorf("wire: field %s.%s: %w", t, field.Name, err)
		}
		out[name] = elem
	}
	return out, nil
}

func (c *Codec) normalize(v any, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	switch v := v.(type) {
	case nil, bool, int64, float64, string, []byte:
		return v, nil

	case uint64:
		if v <= math.MaxInt64 {
			return int64(v), nil
		}
		return v, nil

	case []any:
		for i, elem := range v {
			n, err := c.normalize(elem, depth+1)
			if err != nil {
				return nil, err
			}
			v[i] = n
		}
		return v, nil

	case map[any]any:
		out := make(map[string]any, len(v))
		for key, elem := range v {
			s, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("wire: map key of type %T", key)
			}
			n, err := c.normalize(elem, depth+1)
			if err != nil {
				return nil, err
			}
			out[s] = n
		}
		return out, nil

	case map[string]any:
		for key, elem := range v {
			n, err := c.normalize(elem, depth+1)
			if err != nil {
				return nil, err
			}
			v[key] = n
		}
		return v, nil

	case cbor.Tag:
		fn, ok := c.decoders[v.Number]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownTag, v.Number)
		}
		content, err := c.normalize(v.Content, depth+1)
		if err != nil {
			return nil, err
		}
		return fn(content)
	}

	return nil, fmt.Errorf("wire: unexpected decoded value of type %T", v)
}
