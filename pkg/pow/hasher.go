// Package pow binds DHT identities to chain state with a proof of work.
//
// A proof is a nonce such that H(seed | id | nonce), masked with the network
// difficulty target, is unchanged: the digest already carries the target's
// leading zero bytes. The seed is the hash of a sealed block, so identities
// cannot be mined before that block exists.
package pow

import (
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/fixedhash"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// Algorithm names a Width-byte cryptographic hash.
type Algorithm string

// Supported algorithms
const (
	BLAKE3  Algorithm = "blake3-512"
	SHA3    Algorithm = "sha3-512"
	BLAKE2b Algorithm = "blake2b-512"
)

// ParseAlgorithm validates an algorithm name. Empty selects the default.
func ParseAlgorithm(name string) (Algorithm, error) {
	if name == "" {
		return Algorithm(constants.DefaultHashAlgorithm), nil
	}
	switch a := Algorithm(name); a {
	case BLAKE3, SHA3, BLAKE2b:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", name)
	}
}

// New returns a fresh hash state producing fixedhash.Width bytes.
func (a Algorithm) New() hash.Hash {
	switch a {
	case SHA3:
		return sha3.New512()
	case BLAKE2b:
		h, err := blake2b.New512(nil)
		if err != nil {
			panic(fmt.Sprintf("blake2b: %v", err))
		}
		return h
	default:
		return blake3.New(fixedhash.Width, nil)
	}
}

// String returns the algorithm name
func (a Algorithm) String() string {
	if a == "" {
		return constants.DefaultHashAlgorithm
	}
	return string(a)
}

// SeededHasher computes H(seed | id | nonce) for one fixed seed. It holds no
// mutable state and is safe for concurrent use.
type SeededHasher struct {
	seed fixedhash.Hash
	alg  Algorithm
}

// NewSeededHasher creates a hasher keyed by a sealed block hash.
func NewSeededHasher(seed fixedhash.Hash, alg Algorithm) *SeededHasher {
	if alg == "" {
		alg = Algorithm(constants.DefaultHashAlgorithm)
	}
	return &SeededHasher{seed: seed, alg: alg}
}

// Seed returns the block hash this hasher is keyed by
func (s *SeededHasher) Seed() fixedhash.Hash {
	return s.seed
}

// Algorithm returns the underlying hash algorithm
func (s *SeededHasher) Algorithm() Algorithm {
	return s.alg
}

// Digest returns H(seed | id | bigEndian64(nonce)).
func (s *SeededHasher) Digest(id identity.ID, nonce int64) fixedhash.Hash {
	return s.newDigester(id).digest(nonce)
}

// digester is a single goroutine's view of a SeededHasher: its own hash
// state and a prebuilt buffer whose last 8 bytes are the nonce.
type digester struct {
	h   hash.Hash
	buf []byte
	out []byte
}

func (s *SeededHasher) newDigester(id identity.ID) *digester {
	buf := make([]byte, 0, 2*fixedhash.Width+8)
	buf = append(buf, s.seed[:]...)
	buf = append(buf, id[:]...)
	buf = append(buf, make([]byte, 8)...)
	return &digester{
		h:   s.alg.New(),
		buf: buf,
		out: make([]byte, 0, fixedhash.Width),
	}
}

func (d *digester) digest(nonce int64) fixedhash.Hash {
	binary.BigEndian.PutUint64(d.buf[len(d.buf)-8:], uint64(nonce))
	d.h.Reset()
	d.h.Write(d.buf)
	d.out = d.h.Sum(d.out[:0])

	var result fixedhash.Hash
	copy(result[:], d.out)
	return result
}
