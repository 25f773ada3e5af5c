package api

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Converter turns orchestration inputs, outputs and payloads into the bytes
// stored in history, and back.
type Converter interface {
	To(v any) ([]byte, error)
	From(data []byte, v any) error
}

// JSONConverter is the default Converter. Custom status and outputs stay
// human readable when inspected in a store.
type JSONConverter struct{}

func NewJSONConverter() Converter { return JSONConverter{} }

func (JSONConverter) To(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.([]byte); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func (JSONConverter) From(data []byte, v any) error {
	if err := checkTarget(v); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if raw, ok := v.(*[]byte); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

// MsgpackConverter produces compact binary payloads.
type MsgpackConverter struct{}

func NewMsgpackConverter() Converter { return MsgpackConverter{} }

func (MsgpackConverter) To(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return msgpack.Marshal(v)
}

func (MsgpackConverter) From(data []byte, v any) error {
	if err := checkTarget(v); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return msgpack.Unmarshal(data, v)
}

func checkTarget(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("converter: must decode into a non-nil pointer, not %T", v)
	}
	return nil
}
