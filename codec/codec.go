// Package codec defines the serialization contract for typed work unit
// payloads. The engine treats payloads as opaque bytes routed by kind;
// codecs only matter at the typed registration and seeding boundary.
package codec

import "encoding/json"

// Codec encodes and decodes payload values to and from bytes.
type Codec interface {
	// Marshal serializes a payload value.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes bytes into a payload value.
	Unmarshal(data []byte, v any) error

	// Name returns the codec identifier (e.g., "json", "msgpack").
	Name() string
}

// Codec name constants.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// ByName returns a codec by name. Defaults to JSON.
func ByName(name string) Codec {
	switch name {
	case NameMsgpack:
		return Msgpack{}
	default:
		return JSON{}
	}
}

// JSON encodes payloads with encoding/json.
type JSON struct{}

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name implements Codec.
func (JSON) Name() string { return NameJSON }
