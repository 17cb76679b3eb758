package pow

import (
	"fmt"
	"sync"

	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/fixedhash"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
)

// ProofRecord binds an identity to the block at SeedHeight.
type ProofRecord struct {
	SeedHeight uint64      `cbor:"h"`
	Nonce      int64       `cbor:"n"`
	Owner      identity.ID `cbor:"o"`
}

// String returns a short human readable form
func (p ProofRecord) String() string {
	return fmt.Sprintf("proof{owner=%s height=%d nonce=%d}", p.Owner.Short(), p.SeedHeight, p.Nonce)
}

// SeedSource resolves sealed block hashes. Implementations return
// *chain.NoSuchHeightError for heights that do not exist yet.
type SeedSource interface {
	HashOfBlockAtHeight(height uint64) (fixedhash.Hash, error)
}

// HeadSource reports the current chain head.
type HeadSource interface {
	Height() uint64
}

// VerifierConfig holds verifier configuration
type VerifierConfig struct {
	Seeds      SeedSource
	Algorithm  Algorithm
	Target     fixedhash.Hash
	Head       HeadSource // Optional; enables the stale seed check
	MaxSeedAge uint64     // Blocks a seed may trail the head (0: no limit)
	CacheSize  int        // Memoised seed hashes (default: constants.DefaultSeedCacheSize)
}

// Verifier checks remote proofs. It is safe for concurrent use.
type Verifier struct {
	seeds      SeedSource
	alg        Algorithm
	target     fixedhash.Hash
	head       HeadSource
	maxSeedAge uint64
	cacheSize  int

	mu      sync.Mutex
	hashers map[uint64]*SeededHasher
}

// NewVerifier creates a verifier
func NewVerifier(config *VerifierConfig) (*Verifier, error) {
	if config == nil || config.Seeds == nil {
		return nil, fmt.Errorf("verifier requires a seed source")
	}
	alg, err := ParseAlgorithm(string(config.Algorithm))
	if err != nil {
		return nil, err
	}
	size := config.CacheSize
	if size <= 0 {
		size = constants.DefaultSeedCacheSize
	}
	return &Verifier{
		seeds:      config.Seeds,
		alg:        alg,
		target:     config.Target,
		head:       config.Head,
		maxSeedAge: config.MaxSeedAge,
		cacheSize:  size,
		hashers:    make(map[uint64]*SeededHasher),
	}, nil
}

// Target returns the difficulty mask proofs are checked against
func (v *Verifier) Target() fixedhash.Hash {
	return v.target
}

// Verify recomputes the proof. It returns nil, a wrapped seed lookup error,
// or a *VerificationFailure.
func (v *Verifier) Verify(p ProofRecord) error {
	if v.head != nil && v.maxSeedAge > 0 {
		if head := v.head.Height(); head > p.SeedHeight && head-p.SeedHeight > v.maxSeedAge {
			return &VerificationFailure{Height: p.SeedHeight, Reason: "stale seed"}
		}
	}

	hasher, err := v.hasher(p.SeedHeight)
	if err != nil {
		return fmt.Errorf("failed to resolve seed for %s: %w", p, err)
	}
	if !Check(hasher, v.target, p.Owner, p.Nonce) {
		return &VerificationFailure{Height: p.SeedHeight, Reason: ErrDigestMismatch.Error(), Cause: ErrDigestMismatch}
	}
	return nil
}

func (v *Verifier) hasher(height uint64) (*SeededHasher, error) {
	v.mu.Lock()
	h, ok := v.hashers[height]
	v.mu.Unlock()
	if ok {
		return h, nil
	}

	seed, err := v.seeds.HashOfBlockAtHeight(height)
	if err != nil {
		return nil, err
	}
	h = NewSeededHasher(seed, v.alg)

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.hashers) >= v.cacheSize {
		v.evictOldest()
	}
	v.hashers[height] = h
	return h, nil
}

// evictOldest drops the lowest cached height. Callers hold v.mu.
func (v *Verifier) evictOldest() {
	first := true
	var lowest uint64
	for height := range v.hashers {
		if first || height < lowest {
			lowest = height
			first = false
		}
	}
	delete(v.hashers, lowest)
}
