package grpc

import (
    "encoding/json"
    "fmt"

    "google.golang.org/grpc/encoding"
)

// contentSubtype selects jsonCodec per call; the health service keeps
// using protobuf.
const contentSubtype = "json"

// jsonCodec carries the management messages, which are plain structs with no
// generated protobuf code.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
    b, err := json.Marshal(v)
    if err != nil { return nil, fmt.Errorf("grpc json codec: marshal %T: %w", v, err) }
    return b, nil
}

func (jsonCodec) Unmarshal(b []byte, v any) error {
    // an empty request body decodes as the zero message
    if len(b) == 0 { return nil }
    if err := json.Unmarshal(b, v); err != nil { return fmt.Errorf("grpc json codec: unmarshal %T: %w", v, err) }
    return nil
}

func (jsonCodec) Name() string { return contentSubtype }

func init() { encoding.RegisterCodec(jsonCodec{}) }
