// Package codec provides the pluggable serializers used for request and response bodies.
//
// A serializer is selected by the small integer id carried in byte 2 of every frame header,
// or by name over HTTP and in configuration.
package codec

import (
	"errors"
	"fmt"
)

// ID is the serializer id written into the protocol header.
type ID byte

const (
	JSON    ID = 1
	Msgpack ID = 2
)

// SerializerHeader names the body serializer of an HTTP call.
const SerializerHeader = "X-Rpc-Serializer"

var ErrUnknownCodec = errors.New("codec: unknown serializer")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() ID
	Name() string
	ContentType() string
}

var codecs = map[ID]Codec{
	JSON:    &JSONCodec{},
	Msgpack: &MsgpackCodec{},
}

// Get returns the codec registered under id.
func Get(id ID) (Codec, error) {
	if c, ok := codecs[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: id %d", ErrUnknownCodec, id)
}

// ByName returns the codec registered under name ("json", "msgpack").
func ByName(name string) (Codec, error) {
	for _, c := range codecs {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// Known reports whether id names a registered serializer.
func Known(id ID) bool {
	_, ok := codecs[id]
	return ok
}

// Convert rebuilds a typed value from a generically decoded one, e.g. the map[string]any
// a JSON decoder produces for a struct argument. Values that already have type T pass through.
func Convert[T any](c Codec, src any) (T, error) {
	var out T
	if src == nil {
		return out, nil
	}
	if v, ok := src.(T); ok {
		return v, nil
	}
	data, err := c.Encode(src)
	if err != nil {
		return out, fmt.Errorf("codec: re-encode %T: %w", src, err)
	}
	if err := c.Decode(data, &out); err != nil {
		return out, fmt.Errorf("codec: convert %T to %T: %w", src, out, err)
	}
	return out, nil
}
