// Package chain provides the block-hash lookups the proof-of-work layer is
// seeded from. MemoryStore backs tests and offline tooling; Clock is a
// deterministic development chain that advances with wall time.
package chain

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/fixedhash"
	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

// NoSuchHeightError reports a height that is unknown or not yet sealed.
type NoSuchHeightError struct {
	Height uint64
	Head   uint64
}

func (e *NoSuchHeightError) Error() string {
	return fmt.Sprintf("no block at height %d (head %d)", e.Height, e.Head)
}

// MemoryStore is an in-memory sealed-once map of height to block hash.
type MemoryStore struct {
	mu     sync.RWMutex
	hashes map[uint64]fixedhash.Hash
	head   uint64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[uint64]fixedhash.Hash),
	}
}

// Set seals hash at height. Re-sealing a height with a different hash is an error.
func (s *MemoryStore) Set(height uint64, hash fixedhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.hashes[height]; ok {
		if existing != hash {
			return fmt.Errorf("height %d already sealed with %s", height, existing.Short())
		}
		return nil
	}

	s.hashes[height] = hash
	if height > s.head {
		s.head = height
	}
	return nil
}

// Append seals hash at head+1 (or 0 for an empty store) and returns the height.
func (s *MemoryStore) Append(hash fixedhash.Hash) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	height := s.head + 1
	if len(s.hashes) == 0 {
		height = 0
	}
	s.hashes[height] = hash
	s.head = height
	return height
}

// HashOfBlockAtHeight returns the sealed hash at height.
func (s *MemoryStore) HashOfBlockAtHeight(height uint64) (fixedhash.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash, ok := s.hashes[height]
	if !ok {
		return fixedhash.Hash{}, &NoSuchHeightError{Height: height, Head: s.head}
	}
	return hash, nil
}

// Height returns the highest sealed height
func (s *MemoryStore) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Len returns the number of sealed heights
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hashes)
}

// Clock is a development chain: one block every Interval since Start, with
// hash(h) = BLAKE3-512(genesis | h). Nodes sharing genesis and start agree
// on every height without exchanging blocks.
type Clock struct {
	Genesis  fixedhash.Hash
	Start    time.Time
	Interval time.Duration

	now func() time.Time
}

// NewClock creates a development chain. A zero interval selects the default.
func NewClock(genesis fixedhash.Hash, start time.Time, interval time.Duration) *Clock {
	if interval <= 0 {
		interval = constants.DefaultDevBlockInterval
	}
	return &Clock{
		Genesis:  genesis,
		Start:    start,
		Interval: interval,
		now:      time.Now,
	}
}

// GenesisFromPhrase derives a genesis hash from a human-readable network
// name. The name is NFKC-normalised, so equivalent spellings share a chain.
func GenesisFromPhrase(phrase string) fixedhash.Hash {
	h := blake3.New(constants.HashWidth, nil)
	h.Write([]byte("powdht/genesis/v1"))
	h.Write([]byte(norm.NFKC.String(phrase)))
	var out fixedhash.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Height returns the head height at the current time.
func (c *Clock) Height() uint64 {
	elapsed := c.now().Sub(c.Start)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / c.Interval)
}

// HashOfBlockAtHeight derives the hash for a sealed height.
func (c *Clock) HashOfBlockAtHeight(height uint64) (fixedhash.Hash, error) {
	head := c.Height()
	if height > head {
		return fixedhash.Hash{}, &NoSuchHeightError{Height: height, Head: head}
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)

	h := blake3.New(constants.HashWidth, nil)
	h.Write(c.Genesis[:])
	h.Write(buf[:])
	var out fixedhash.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}
