package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a Protocol Buffers codec with deterministic marshaling.
// Plain map[string]any values are carried as google.protobuf.Struct.
// Content-Type: application/x-protobuf
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{},
	}
}

func (p protoCodec) Name() string        { return "proto" }
func (p protoCodec) ContentType() string { return "application/x-protobuf" }
func (p protoCodec) Binary() bool        { return true }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	switch msg := v.(type) {
	case proto.Message:
		return p.mo.Marshal(msg)
	case map[string]any:
		s, err := structpb.NewStruct(msg)
		if err != nil {
			return nil, fmt.Errorf("protobuf: %w", err)
		}
		return p.mo.Marshal(s)
	default:
		return nil, fmt.Errorf("protobuf: value does not implement proto.Message: %T", v)
	}
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
	switch dst := v.(type) {
	case proto.Message:
		return p.uo.Unmarshal(data, dst)
	case *map[string]any:
		var s structpb.Struct
		if err := p.uo.Unmarshal(data, &s); err != nil {
			return err
		}
		*dst = s.AsMap()
		return nil
	default:
		return fmt.Errorf("protobuf: target does not implement proto.Message: %T", v)
	}
}
