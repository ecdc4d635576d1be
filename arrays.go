package fjage

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Array tags used on the wire for base64 encoded numeric arrays.
const (
	TagByteArray   = "[B"
	TagShortArray  = "[S"
	TagIntArray    = "[I"
	TagLongArray   = "[J"
	TagFloatArray  = "[F"
	TagDoubleArray = "[D"
)

// Typed numeric arrays. They marshal to the compact wire form
// {"clazz": "[D", "data": "<base64>"} (little-endian) and unmarshal from
// either that form or a plain JSON array.
type (
	ByteArray   []int8
	ShortArray  []int16
	IntArray    []int32
	LongArray   []int64
	FloatArray  []float32
	DoubleArray []float64
)

type number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

type arrayEnvelope struct {
	Clazz string `json:"clazz"`
	Data  string `json:"data"`
}

func (a ByteArray) MarshalJSON() ([]byte, error)   { return marshalArray(TagByteArray, []int8(a)) }
func (a ShortArray) MarshalJSON() ([]byte, error)  { return marshalArray(TagShortArray, []int16(a)) }
func (a IntArray) MarshalJSON() ([]byte, error)    { return marshalArray(TagIntArray, []int32(a)) }
func (a LongArray) MarshalJSON() ([]byte, error)   { return marshalArray(TagLongArray, []int64(a)) }
func (a FloatArray) MarshalJSON() ([]byte, error)  { return marshalArray(TagFloatArray, []float32(a)) }
func (a DoubleArray) MarshalJSON() ([]byte, error) { return marshalArray(TagDoubleArray, []float64(a)) }

func (a *ByteArray) UnmarshalJSON(data []byte) error {
	v, err := unmarshalArray[int8](TagByteArray, data)
	*a = v
	return err
}

func (a *ShortArray) UnmarshalJSON(data []byte) error {
	v, err := unmarshalArray[int16](TagShortArray, data)
	*a = v
	return err
}

func (a *IntArray) UnmarshalJSON(data []byte) error {
	v, err := unmarshalArray[int32](TagIntArray, data)
	*a = v
	return err
}

func (a *LongArray) UnmarshalJSON(data []byte) error {
	v, err := unmarshalArray[int64](TagLongArray, data)
	*a = v
	return err
}

func (a *FloatArray) UnmarshalJSON(data []byte) error {
	v, err := unmarshalArray[float32](TagFloatArray, data)
	*a = v
	return err
}

func (a *DoubleArray) UnmarshalJSON(data []byte) error {
	v, err := unmarshalArray[float64](TagDoubleArray, data)
	*a = v
	return err
}

func marshalArray[T number](tag string, vals []T) ([]byte, error) {
	if vals == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, vals); err != nil {
		return nil, &CodecError{Op: "encode", Class: tag, Err: err}
	}
	return json.Marshal(arrayEnvelope{
		Clazz: tag,
		Data:  base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

func unmarshalArray[T number](tag string, data []byte) ([]T, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if data[0] == '[' {
		var vals []T
		if err := json.Unmarshal(data, &vals); err != nil {
			return nil, &CodecError{Op: "decode", Class: tag, Err: err}
		}
		return vals, nil
	}

	var env arrayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &CodecError{Op: "decode", Class: tag, Err: err}
	}
	if env.Clazz != tag {
		return nil, &CodecError{Op: "decode", Class: tag, Err: fmt.Errorf("%w %q", ErrUnknownArrayTag, env.Clazz)}
	}
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, &CodecError{Op: "decode", Class: tag, Err: err}
	}
	return decodeLittleEndian[T](raw), nil
}

// decodeLittleEndian reinterprets raw as a packed little-endian array. A
// trailing partial element is ignored.
func decodeLittleEndian[T number](raw []byte) []T {
	var zero T
	width := binary.Size(zero)
	vals := make([]T, len(raw)/width)
	// cannot fail: the reader holds exactly len(vals)*width bytes
	_ = binary.Read(bytes.NewReader(raw[:len(vals)*width]), binary.LittleEndian, vals)
	return vals
}

// DecodeArray decodes a base64 payload carrying the array type identified by
// tag. Unrecognized tags report ErrUnknownArrayTag.
func DecodeArray(tag, payload string) (any, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &CodecError{Op: "decode", Class: tag, Err: err}
	}
	switch tag {
	case TagByteArray:
		return ByteArray(decodeLittleEndian[int8](raw)), nil
	case TagShortArray:
		return ShortArray(decodeLittleEndian[int16](raw)), nil
	case TagIntArray:
		return IntArray(decodeLittleEndian[int32](raw)), nil
	case TagLongArray:
		return LongArray(decodeLittleEndian[int64](raw)), nil
	case TagFloatArray:
		return FloatArray(decodeLittleEndian[float32](raw)), nil
	case TagDoubleArray:
		return DoubleArray(decodeLittleEndian[float64](raw)), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownArrayTag, tag)
}

// decodeTree replaces every array envelope found in a generically decoded
// JSON value with its typed array. Anything else, including envelopes with
// unrecognized tags, is left untouched.
func decodeTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if arr, ok := decodeEnvelope(t); ok {
			return arr
		}
		for k, e := range t {
			t[k] = decodeTree(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = decodeTree(e)
		}
		return t
	}
	return v
}

func decodeEnvelope(m map[string]any) (any, bool) {
	if len(m) != 2 {
		return nil, false
	}
	tag, ok := m["clazz"].(string)
	if !ok {
		return nil, false
	}
	payload, ok := m["data"].(string)
	if !ok {
		return nil, false
	}
	arr, err := DecodeArray(tag, payload)
	if err != nil {
		return nil, false
	}
	return arr, true
}
