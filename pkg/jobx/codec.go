package jobx

import (
	"encoding/json"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns job definitions and results into bytes and back. Failures
// must be reported so that callers can record them as serialization
// failures; Encode and Decode below wrap them in ErrSerialization.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpackCodec trades readability for size.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string                  { return "msgpack" }
func (MsgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (MsgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// CodecByName resolves a codec from configuration; empty means JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, jobxErrors.NewWithMessage(ErrInvalidJob, "unknown codec").WithDetail("codec", name)
	}
}

func encode(c Codec, v any) ([]byte, error) {
	data, err := c.Marshal(v)
	if err != nil {
		return nil, jobxErrors.NewWithCause(ErrSerialization, err).WithDetail("codec", c.Name())
	}
	return data, nil
}

func decode(c Codec, data []byte, v any) error {
	if err := c.Unmarshal(data, v); err != nil {
		return jobxErrors.NewWithCause(ErrSerialization, err).WithDetail("codec", c.Name())
	}
	return nil
}

// convert re-decodes src into dst through the codec, the way a value
// read from the store would be decoded.
func convert(c Codec, src, dst any) error {
	data, err := encode(c, src)
	if err != nil {
		return err
	}
	return decode(c, data, dst)
}
