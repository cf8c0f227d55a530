package codec

import "github.com/vmihailenco/msgpack/v5"

// Msgpack encodes payloads as MessagePack, for callers that want smaller
// rows than JSON for binary-heavy payloads.
type Msgpack struct{}

// Marshal implements Codec.
func (Msgpack) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

// Unmarshal implements Codec.
func (Msgpack) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// Name implements Codec.
func (Msgpack) Name() string { return NameMsgpack }
