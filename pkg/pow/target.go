package pow

import (
	"fmt"

	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/fixedhash"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
)

// NewTarget returns the difficulty mask with zeroBytes leading zero bytes
// followed by 0xff. A digest satisfies it with probability 1/256^zeroBytes.
func NewTarget(zeroBytes int) (fixedhash.Hash, error) {
	if zeroBytes < 0 || zeroBytes > constants.MaxDifficulty {
		return fixedhash.Hash{}, fmt.Errorf("difficulty must be between 0 and %d leading zero bytes, got %d",
			constants.MaxDifficulty, zeroBytes)
	}
	target := fixedhash.AllOnes()
	for i := 0; i < zeroBytes; i++ {
		target[i] = 0
	}
	return target, nil
}

// MustTarget is like NewTarget but panics on an out-of-range difficulty.
func MustTarget(zeroBytes int) fixedhash.Hash {
	target, err := NewTarget(zeroBytes)
	if err != nil {
		panic(err)
	}
	return target
}

// Satisfies reports whether masking digest with target leaves it unchanged.
func Satisfies(digest, target fixedhash.Hash) bool {
	return digest.Mask(target) == digest
}

// Check recomputes a claimed proof under hasher.
func Check(hasher *SeededHasher, target fixedhash.Hash, id identity.ID, nonce int64) bool {
	return Satisfies(hasher.Digest(id, nonce), target)
}
