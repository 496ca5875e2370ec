package codec

import (
	jsoniter "github.com/json-iterator/go"
)

// json numbers decode into json.Number inside `any` so large ids keep their precision.
var jsonAPI = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// JSONCodec is human-readable and cross-language, the default serializer.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}

func (c *JSONCodec) Type() ID {
	return JSON
}

func (c *JSONCodec) Name() string {
	return "json"
}

func (c *JSONCodec) ContentType() string {
	return "application/json"
}
