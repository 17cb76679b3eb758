// Package fixedhash implements the fixed-width hash value shared by seeds,
// digests and identities, together with its masking algebra.
package fixedhash

import (
	"encoding/hex"
	"fmt"

	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/fxamacker/cbor/v2"
)

// Width is the byte length of every Hash.
const Width = constants.HashWidth

// Hash is an immutable fixed-length byte value. Equality is byte-wise (==).
type Hash [Width]byte

// Zero is the all-zero hash.
var Zero Hash

// AllOnes returns the hash with every bit set.
func AllOnes() Hash {
	var h Hash
	for i := range h {
		h[i] = 0xff
	}
	return h
}

// FromHex parses exactly 2*Width hex characters.
func FromHex(text string) (Hash, error) {
	if len(text)%2 != 0 {
		return Hash{}, &FormatError{Input: text, Reason: "odd length"}
	}
	raw, err := hex.DecodeString(text)
	if err != nil {
		return Hash{}, &FormatError{Input: text, Reason: "invalid hex", Err: err}
	}
	return FromBytes(raw)
}

// MustFromHex is like FromHex but panics on malformed input. Intended for constants.
func MustFromHex(text string) Hash {
	h, err := FromHex(text)
	if err != nil {
		panic(err)
	}
	return h
}

// FromBytes copies b into a Hash. b must be exactly Width bytes long.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Width {
		return h, &FormatError{
			Input:  hex.EncodeToString(b),
			Reason: fmt.Sprintf("decoded length %d, want %d", len(b), Width),
		}
	}
	copy(h[:], b)
	return h, nil
}

// Hex returns the lowercase hex encoding of h.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String returns the hex representation of the hash
func (h Hash) String() string {
	return h.Hex()
}

// Short returns the first 8 bytes in hex, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:8])
}

// Bytes returns a copy of the hash as a byte slice
func (h Hash) Bytes() []byte {
	out := make([]byte, Width)
	copy(out, h[:])
	return out
}

// Mask returns the bytewise AND of h and target. It is not an equality
// relation; it only selects which bits of h survive.
func (h Hash) Mask(target Hash) Hash {
	var out Hash
	for i := range h {
		out[i] = h[i] & target[i]
	}
	return out
}

// IsZero returns true if every byte is zero
func (h Hash) IsZero() bool {
	return h == Zero
}

// LeadingZeroBytes counts the zero bytes at the start of h.
func (h Hash) LeadingZeroBytes() int {
	for i, b := range h {
		if b != 0 {
			return i
		}
	}
	return Width
}

// MarshalText encodes the hash as hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText decodes a hex hash.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// MarshalCBOR encodes the hash as a CBOR byte string.
func (h Hash) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(h[:])
}

// UnmarshalCBOR decodes a CBOR byte string of exactly Width bytes.
func (h *Hash) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return &FormatError{Reason: "hash is not a CBOR byte string", Err: err}
	}
	parsed, err := FromBytes(raw)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
