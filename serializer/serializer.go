// Package serializer turns ChangeEvents into the wire bytes publishers
// send. JSON, Protobuf, and binary Avro all emit the same logical record;
// the publisher picks one via its opaque option block, falling back to the
// pipeline's configured default.
package serializer

import (
	"fmt"

	"github.com/cdcflow/pipeline/event"
)

// Names accepted by New and the "serializer" publisher option.
const (
	NameJSON     = "json"
	NameProtobuf = "protobuf"
	NameAvro     = "avro"
)

// Serializer encodes one ChangeEvent for the wire.
type Serializer interface {
	// Name identifies the format, e.g. "json".
	Name() string

	// ContentType is the MIME type a transport should declare for the
	// encoded body.
	ContentType() string

	// Marshal encodes evt.
	Marshal(evt *event.ChangeEvent) ([]byte, error)
}

// New builds a Serializer by name. Avro accepts the optional
// schema-registry options; the other formats ignore options entirely.
//
// Recognized option keys:
//
//	serializer              format name (read by FromOptions, not New)
//	schema_registry_url     Avro only; enables Confluent-framed payloads
//	schema_registry_subject Avro only; defaults to "cdc.change-event"
func New(name string, options map[string]string) (Serializer, error) {
	switch name {
	case NameJSON, "":
		return JSON{}, nil
	case NameProtobuf:
		return Protobuf{}, nil
	case NameAvro:
		return NewAvro(options["schema_registry_url"], options["schema_registry_subject"])
	default:
		return nil, fmt.Errorf("serializer: unknown format %q", name)
	}
}

// FromOptions builds the Serializer a publisher's option block asks for,
// using defaultName when the block carries no "serializer" key.
func FromOptions(options map[string]string, defaultName string) (Serializer, error) {
	name := options["serializer"]
	if name == "" {
		name = defaultName
	}
	return New(name, options)
}
