// Package codec provides the two persistence codecs every state slot binds
// to: a compact binary codec for application state and a self-describing text
// codec for records that must outlive schema changes (transaction log,
// stream bookkeeping).
//
// Every persisted record carries the tag of the codec that wrote it, so a
// slot rebound to a different codec still decodes its historical records.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec turns typed records into bytes and back.
type Codec interface {
	// Tag identifies the codec inside the persisted layout (§ persisted
	// state layout: codecTag column).
	Tag() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	TagBinary = "cbor"
	TagText   = "json"
)

// Binary is the compact codec used for primary application state.
var Binary Codec = binaryCodec{}

// Text is the self-describing codec used for cross-version records.
var Text Codec = textCodec{}

// ByTag resolves a persisted codec tag back to its codec.
func ByTag(tag string) (Codec, error) {
	switch tag {
	case TagBinary:
		return Binary, nil
	case TagText:
		return Text, nil
	default:
		return nil, fmt.Errorf("codec: unknown tag %q", tag)
	}
}

type binaryCodec struct{}

func (binaryCodec) Tag() string { return TagBinary }

func (binaryCodec) Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: cbor marshal: %w", err)
	}
	return data, nil
}

func (binaryCodec) Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: cbor unmarshal: %w", err)
	}
	return nil
}

// Deterministic encoding keeps byte-equality round trips stable.
var encMode, _ = cbor.CanonicalEncOptions().EncMode()

type textCodec struct{}

func (textCodec) Tag() string { return TagText }

func (textCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: json marshal: %w", err)
	}
	return data, nil
}

func (textCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: json unmarshal: %w", err)
	}
	return nil
}
