package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/cdcflow/pipeline/event"
)

// JSON encodes events with encoding/json. This is the default wire format.
type JSON struct{}

func (JSON) Name() string        { return NameJSON }
func (JSON) ContentType() string { return "application/json" }

func (JSON) Marshal(evt *event.ChangeEvent) ([]byte, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("serializer: json: %w", err)
	}
	return b, nil
}
