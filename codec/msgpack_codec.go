package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec is the compact binary serializer. Struct fields fall back to their
// json tag so both codecs agree on field names.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (c *MsgpackCodec) Type() ID {
	return Msgpack
}

func (c *MsgpackCodec) Name() string {
	return "msgpack"
}

func (c *MsgpackCodec) ContentType() string {
	return "application/msgpack"
}
