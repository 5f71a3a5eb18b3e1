package gclog

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/ugorji/go/codec"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	FormatJSON     = "json"
	FormatMsgpack  = "msgpack"
	FormatProtobuf = "protobuf"
)

var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	return h
}()

func EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func EncodeMsgpack(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("gclog: msgpack: %w", err)
	}
	return out, nil
}

func DecodeMsgpack(data []byte, v any) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(v)
}

// ToStruct converts v to a protobuf Struct through its JSON form, so field
// names match the JSON encoding.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("gclog: %T is not an object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

func EncodeProto(v any) ([]byte, error) {
	s, err := ToStruct(v)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// Encode encodes v in format and returns the matching content type.
func Encode(format string, v any) ([]byte, string, error) {
	switch format {
	case "", FormatJSON:
		data, err := EncodeJSON(v)
		return data, "application/json", err
	case FormatMsgpack:
		data, err := EncodeMsgpack(v)
		return data, "application/x-msgpack", err
	case FormatProtobuf:
		data, err := EncodeProto(v)
		return data, "application/x-protobuf", err
	}
	return nil, "", fmt.Errorf("gclog: unknown format %q", format)
}
