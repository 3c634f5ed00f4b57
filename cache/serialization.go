package cache

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Serializer is the byte-level encode/decode boundary between typed
// values and backend storage.
//
// Implementations must be deterministic for identical inputs within a
// process lifetime: the coalescer encodes the leader's result once and
// fans the bytes out to all waiters, and tests compare payloads
// byte-for-byte.
type Serializer interface {
	// Marshal encodes v to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes data into the value pointed to by v.
	Unmarshal(data []byte, v any) error

	// Name identifies the codec for diagnostics.
	Name() string
}

// CBOR encoding/decoding modes configured for determinism and safety.
// - SortCanonical ensures deterministic field ordering (same input → same bytes)
// - TimeRFC3339Nano preserves entry timestamps across round-trips
// - decode limits bound untrusted payload size and nesting
var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

//nolint:gochecknoinits // Required for CBOR mode configuration at package load time
func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}
	cborEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoding mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		MaxArrayElements: 10000,
		MaxMapPairs:      10000,
		MaxNestedLevels:  16,
	}
	cborDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoding mode: %v", err))
	}
}

// CBORSerializer encodes values as canonical CBOR. It is the default
// serializer: compact, deterministic and schema-free.
type CBORSerializer struct{}

// Marshal encodes v as canonical CBOR.
func (CBORSerializer) Marshal(v any) ([]byte, error) {
	data, err := cborEncMode.Marshal(v)
	if err != nil {
		return nil, NewSerializationError("marshal", err)
	}
	return data, nil
}

// Unmarshal decodes CBOR data into v.
func (CBORSerializer) Unmarshal(data []byte, v any) error {
	if err := cborDecMode.Unmarshal(data, v); err != nil {
		return NewSerializationError("unmarshal", err)
	}
	return nil
}

// Name returns "cbor".
func (CBORSerializer) Name() string { return "cbor" }

// JSONSerializer encodes values as JSON. Useful when cached payloads must
// stay human-readable or cross language boundaries.
type JSONSerializer struct{}

// Marshal encodes v as JSON.
func (JSONSerializer) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, NewSerializationError("marshal", err)
	}
	return data, nil
}

// Unmarshal decodes JSON data into v.
func (JSONSerializer) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return NewSerializationError("unmarshal", err)
	}
	return nil
}

// Name returns "json".
func (JSONSerializer) Name() string { return "json" }

// EncodeEntry serializes a full entry record for remote storage, so TTL,
// tags, dependencies, etag and version survive the round-trip.
func EncodeEntry(s Serializer, e *Entry) ([]byte, error) {
	return s.Marshal(e)
}

// DecodeEntry is the inverse of EncodeEntry.
func DecodeEntry(s Serializer, data []byte) (*Entry, error) {
	var e Entry
	if err := s.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// decodeValue decodes an entry payload into a fresh T.
func decodeValue[T any](s Serializer, data []byte) (T, error) {
	var v T
	if err := s.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}
