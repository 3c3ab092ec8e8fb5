package serializer

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cdcflow/pipeline/event"
)

// Protobuf encodes events as a protobuf Struct. The record is generic-free
// by design, so rather than a generated message type the event is carried
// as a google.protobuf.Struct whose fields mirror the JSON shape exactly.
type Protobuf struct{}

func (Protobuf) Name() string        { return NameProtobuf }
func (Protobuf) ContentType() string { return "application/x-protobuf" }

func (Protobuf) Marshal(evt *event.ChangeEvent) ([]byte, error) {
	// Round-trip through JSON so row-image values of any driver-supplied
	// type are normalized to what structpb can hold.
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("serializer: protobuf: normalizing event: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("serializer: protobuf: normalizing event: %w", err)
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("serializer: protobuf: building struct: %w", err)
	}
	b, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("serializer: protobuf: %w", err)
	}
	return b, nil
}
