package identity

import (
	"bytes"
	"crypto/ed25519"
	"math/big"
	"math/bits"

	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/fixedhash"
	"lukechampine.com/blake3"
)

// idDomain separates identity derivation from every other BLAKE3 use.
const idDomain = "powdht/id/v1"

// ID is a position in the DHT key space. It shares the byte space of fixedhash.Hash.
type ID fixedhash.Hash

// DeriveID computes BLAKE3-512(domain | pub). Binding the ID to the signing
// key lets any verifier check that a record was signed by the ID's owner.
func DeriveID(pub ed25519.PublicKey) ID {
	h := blake3.New(constants.HashWidth, nil)
	h.Write([]byte(idDomain))
	h.Write(pub)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// IDFromHex parses a hex-encoded ID.
func IDFromHex(text string) (ID, error) {
	h, err := fixedhash.FromHex(text)
	if err != nil {
		return ID{}, err
	}
	return ID(h), nil
}

// Hash returns the ID as a fixedhash.Hash.
func (id ID) Hash() fixedhash.Hash {
	return fixedhash.Hash(id)
}

// Bytes returns the ID as a byte slice
func (id ID) Bytes() []byte {
	return fixedhash.Hash(id).Bytes()
}

// String returns the hex representation of the ID
func (id ID) String() string {
	return fixedhash.Hash(id).Hex()
}

// Short returns an abbreviated hex form for logs.
func (id ID) Short() string {
	return fixedhash.Hash(id).Short()
}

// IsZero returns true if the ID is all zeros
func (id ID) IsZero() bool {
	return fixedhash.Hash(id).IsZero()
}

// Distance returns the XOR distance between two IDs.
func (id ID) Distance(other ID) ID {
	var result ID
	for i := range id {
		result[i] = id[i] ^ other[i]
	}
	return result
}

// Cmp compares two IDs as unsigned big-endian integers.
func (id ID) Cmp(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Less returns true if this ID is less than the other (for sorting)
func (id ID) Less(other ID) bool {
	return id.Cmp(other) < 0
}

// BigInt interprets the ID as an unsigned big-endian integer.
func (id ID) BigInt() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// CommonPrefixLen returns the number of leading bits shared with other.
func (id ID) CommonPrefixLen(other ID) int {
	for i := range id {
		if x := id[i] ^ other[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return constants.HashBits
}

// Closer reports whether a is strictly closer to target than b. Equal
// distances only happen when a == b, so ties fall back to byte order.
func Closer(target, a, b ID) bool {
	if c := target.Distance(a).Cmp(target.Distance(b)); c != 0 {
		return c < 0
	}
	return a.Less(b)
}

// MarshalText encodes the ID as hex.
func (id ID) MarshalText() ([]byte, error) {
	return fixedhash.Hash(id).MarshalText()
}

// UnmarshalText decodes a hex ID.
func (id *ID) UnmarshalText(text []byte) error {
	return (*fixedhash.Hash)(id).UnmarshalText(text)
}

// MarshalCBOR encodes the ID as a CBOR byte string.
func (id ID) MarshalCBOR() ([]byte, error) {
	return fixedhash.Hash(id).MarshalCBOR()
}

// UnmarshalCBOR decodes a CBOR byte string of exactly HashWidth bytes.
func (id *ID) UnmarshalCBOR(data []byte) error {
	return (*fixedhash.Hash)(id).UnmarshalCBOR(data)
}
