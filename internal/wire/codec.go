// Package wire speaks to the conductor admin interface and the keystore, and computes
// the bytes a zome call signature covers.
package wire

import (
	"reflect"

	"github.com/ugorji/go/codec"
)

// NewMsgpackHandle returns the msgpack settings shared by every encoder in the launcher:
// binary data as msgpack bin, positive integers in their shortest unsigned form,
// maps decoded as map[string]interface{}.
func NewMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.PositiveIntUnsigned = true
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}

// Marshal encodes v as msgpack.
func Marshal(v interface{}) ([]byte, error) {
	var out []byte
	err := codec.NewEncoderBytes(&out, NewMsgpackHandle()).Encode(v)
	return out, err
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, NewMsgpackHandle()).Decode(v)
}
