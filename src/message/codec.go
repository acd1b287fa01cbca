package message

import (
	"encoding/hex"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
)

var msgpackHandle = newHandle()

// Unsigned wire integers decode as uint64 so that asInt can reject the ones
// that do not fit an int64 instead of wrapping them.
func newHandle() *codec.MsgpackHandle {
	return &codec.MsgpackHandle{WriteExt: true}
}

// DecodeError is returned when bytes received from the wire cannot be turned
// into a message. Data holds the offending payload.
type DecodeError struct {
	Data  []byte
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode message %s: %v", hex.EncodeToString(e.Data), e.Cause)
}

func newDecodeError(data []byte, format string, args ...interface{}) error {
	return &DecodeError{Data: data, Cause: fmt.Errorf(format, args...)}
}

// Marshal encodes any value with the msgpack handle shared by the wire
// protocol.
func Marshal(v interface{}) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, msgpackHandle).Encode(v); err != nil {
		return nil, errors.Wrap(err, "msgpack encode")
	}
	return b, nil
}

// Unmarshal is the counterpart of Marshal.
func Unmarshal(data []byte, v interface{}) error {
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(v); err != nil {
		return errors.Wrap(err, "msgpack decode")
	}
	return nil
}

// Encode serialises a message as [ordinal, fields...].
func Encode(m Message) ([]byte, error) {
	arr := append([]interface{}{int64(m.Type())}, m.fields()...)
	return Marshal(arr)
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Message, error) {
	var arr []interface{}
	if err := Unmarshal(data, &arr); err != nil {
		return nil, &DecodeError{Data: data, Cause: err}
	}
	if len(arr) == 0 {
		return nil, newDecodeError(data, "empty array")
	}

	ordinal, err := asInt(arr[0])
	if err != nil {
		return nil, &DecodeError{Data: data, Cause: err}
	}

	want, ok := fieldCount[Type(ordinal)]
	if !ok {
		return nil, newDecodeError(data, "unknown message type %d", ordinal)
	}
	if len(arr)-1 != want {
		return nil, newDecodeError(data, "%s expects %d fields, got %d", Type(ordinal), want, len(arr)-1)
	}

	m, err := build(Type(ordinal), fieldReader{vals: arr[1:]})
	if err != nil {
		return nil, &DecodeError{Data: data, Cause: err}
	}
	return m, nil
}

// fieldReader walks the fields of a decoded array, remembering the first
// conversion error.
type fieldReader struct {
	vals []interface{}
	pos  int
	err  error
}

func (r *fieldReader) next() interface{} {
	v := r.vals[r.pos]
	r.pos++
	return v
}

func (r *fieldReader) fail(err error) {
	if r.err == nil {
		r.err = errors.Wrapf(err, "field %d", r.pos)
	}
}

func (r *fieldReader) bytes() []byte {
	b, err := asBytes(r.next())
	if err != nil {
		r.fail(err)
	}
	return b
}

func (r *fieldReader) int() int64 {
	i, err := asInt(r.next())
	if err != nil {
		r.fail(err)
	}
	return i
}

func (r *fieldReader) bool() bool {
	v := r.next()
	b, ok := v.(bool)
	if !ok {
		r.fail(fmt.Errorf("expected bool, got %T", v))
	}
	return b
}

func (r *fieldReader) byteArray() [][]byte {
	v := r.next()
	if v == nil {
		return [][]byte{}
	}
	arr, ok := v.([]interface{})
	if !ok {
		r.fail(fmt.Errorf("expected array, got %T", v))
		return nil
	}
	res := make([][]byte, 0, len(arr))
	for _, it := range arr {
		b, err := asBytes(it)
		if err != nil {
			r.fail(err)
			return nil
		}
		res = append(res, b)
	}
	return res
}

func asInt(v interface{}) (int64, error) {
	switch i := v.(type) {
	case int64:
		return i, nil
	case uint64:
		if i > math.MaxInt64 {
			return 0, fmt.Errorf("integer %d overflows int64", i)
		}
		return int64(i), nil
	case uint:
		if uint64(i) > math.MaxInt64 {
			return 0, fmt.Errorf("integer %d overflows int64", i)
		}
		return int64(i), nil
	case int:
		return int64(i), nil
	case int32:
		return int64(i), nil
	case uint32:
		return int64(i), nil
	case int8:
		return int64(i), nil
	case uint8:
		return int64(i), nil
	case int16:
		return int64(i), nil
	case uint16:
		return int64(i), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asBytes(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("expected bytes, got %T", v)
	}
}

func bytesField(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}

func byteArrayField(arr [][]byte) interface{} {
	res := make([]interface{}, len(arr))
	for i, b := range arr {
		if b == nil {
			b = []byte{}
		}
		res[i] = b
	}
	return res
}
