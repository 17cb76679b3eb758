// Package cborcanon provides the canonical CBOR encoding used on the wire and
// for every signature. Encoding is deterministic (RFC 8949 core deterministic
// rules: sorted map keys, shortest integer forms, no indefinite lengths), and
// decoding refuses duplicate map keys and indefinite-length items.
package cborcanon

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// maxNestedLevels bounds decoder recursion on untrusted input.
const maxNestedLevels = 16

var (
	// EncMode encodes canonically.
	EncMode cbor.EncMode

	// DecMode decodes strictly.
	DecMode cbor.DecMode
)

func init() {
	var err error
	EncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}

	DecMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxNestedLevels: maxNestedLevels,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create strict CBOR decode mode: %v", err))
	}
}

// Marshal encodes v into canonical CBOR
func Marshal(v any) ([]byte, error) {
	return EncMode.Marshal(v)
}

// MustMarshal is like Marshal but panics on error. For constants and tests.
func MustMarshal(v any) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("canonical CBOR marshal failed: %v", err))
	}
	return data
}

// Unmarshal decodes data into v, rejecting duplicate keys and indefinite lengths
func Unmarshal(data []byte, v any) error {
	return DecMode.Unmarshal(data, v)
}

// NewEncoder returns a canonical stream encoder
func NewEncoder(w io.Writer) *cbor.Encoder {
	return EncMode.NewEncoder(w)
}

// NewDecoder returns a strict stream decoder that reads at most limit bytes from r.
func NewDecoder(r io.Reader, limit int64) *cbor.Decoder {
	return DecMode.NewDecoder(io.LimitReader(r, limit))
}

// CanonicalBytes re-encodes arbitrary CBOR in canonical form
func CanonicalBytes(data []byte) ([]byte, error) {
	var v any
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid CBOR: %w", err)
	}
	return Marshal(v)
}

// IsCanonical checks if the given CBOR bytes are in canonical form
func IsCanonical(data []byte) bool {
	canonical, err := CanonicalBytes(data)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}

// ValidateCanonical validates that the given data is canonical CBOR
func ValidateCanonical(data []byte) error {
	if !IsCanonical(data) {
		return fmt.Errorf("data is not in canonical CBOR form")
	}
	return nil
}

// SigningBytes returns the bytes a signature covers: the canonical encoding
// of the two-element array [domain, v]. The domain separates message kinds so
// a signature over one kind never verifies as another.
func SigningBytes(domain uint16, v any) ([]byte, error) {
	data, err := Marshal([]any{domain, v})
	if err != nil {
		return nil, fmt.Errorf("failed to encode for signing: %w", err)
	}
	return data, nil
}
