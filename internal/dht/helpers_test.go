package dht

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/chain"
	"github.com/WebFirstLanguage/powdht/pkg/fixedhash"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/pow"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// testTarget is one leading zero byte, about 256 hashes per proof
var testTarget = pow.MustTarget(1)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testIdentity(t testing.TB, b byte) *identity.Identity {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = b
	}
	seed[0] = 0xd7
	ident, err := identity.FromSeed(seed)
	require.NoError(t, err)
	return ident
}

// testStore seals heights 0 through head
func testStore(t testing.TB, head uint64) *chain.MemoryStore {
	t.Helper()
	store := chain.NewMemoryStore()
	for h := uint64(0); h <= head; h++ {
		var seed fixedhash.Hash
		for i := range seed {
			seed[i] = byte(h) ^ byte(i)
		}
		require.NoError(t, store.Set(h, seed))
	}
	return store
}

// mineProof finds the first nonce satisfying testTarget
func mineProof(t testing.TB, seeds pow.SeedSource, id identity.ID, height uint64) pow.ProofRecord {
	t.Helper()
	seed, err := seeds.HashOfBlockAtHeight(height)
	require.NoError(t, err)
	hasher := pow.NewSeededHasher(seed, pow.BLAKE3)
	for nonce := int64(0); nonce < 1<<20; nonce++ {
		if pow.Check(hasher, testTarget, id, nonce) {
			return pow.ProofRecord{SeedHeight: height, Nonce: nonce, Owner: id}
		}
	}
	t.Fatalf("no proof found for %s at height %d", id.Short(), height)
	return pow.ProofRecord{}
}

// findBadNonce returns a nonce that does not satisfy testTarget
func findBadNonce(t testing.TB, seeds pow.SeedSource, id identity.ID, height uint64) int64 {
	t.Helper()
	seed, err := seeds.HashOfBlockAtHeight(height)
	require.NoError(t, err)
	hasher := pow.NewSeededHasher(seed, pow.BLAKE3)
	for nonce := int64(0); ; nonce++ {
		if !pow.Check(hasher, testTarget, id, nonce) {
			return nonce
		}
	}
}

func testRecord(t testing.TB, ident *identity.Identity, seeds pow.SeedSource, height uint64) *PeerRecord {
	t.Helper()
	proof := mineProof(t, seeds, ident.ID(), height)
	record, err := NewPeerRecord(ident, fmt.Sprintf("peer-%s:27487", ident.ID().Short()), proof)
	require.NoError(t, err)
	return record
}

func testVerifier(t testing.TB, store *chain.MemoryStore) *pow.Verifier {
	t.Helper()
	v, err := pow.NewVerifier(&pow.VerifierConfig{
		Seeds:      store,
		Algorithm:  pow.BLAKE3,
		Target:     testTarget,
		Head:       store,
		MaxSeedAge: 100,
	})
	require.NoError(t, err)
	return v
}

// manualClock is a settable time source
type manualClock struct {
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func testRoutingView(t testing.TB, local identity.ID, store *chain.MemoryStore, clock *manualClock) *RoutingView {
	t.Helper()
	config := &RoutingConfig{
		LocalID:    local,
		Verifier:   testVerifier(t, store),
		StaleAfter: time.Minute,
		Logger:     quietLogger(),
	}
	if clock != nil {
		config.Now = clock.Now
	}
	rv, err := NewRoutingView(config)
	require.NoError(t, err)
	return rv
}

// identitiesInBucket returns n identities sharing exactly cpl prefix bits with local
func identitiesInBucket(t testing.TB, local identity.ID, cpl, n int) []*identity.Identity {
	t.Helper()
	var out []*identity.Identity
	for i := 0; len(out) < n; i++ {
		require.Less(t, i, 10000, "not enough identities for bucket %d", cpl)
		seed := make([]byte, 32)
		seed[0], seed[1], seed[2] = 0x5a, byte(i), byte(i>>8)
		ident, err := identity.FromSeed(seed)
		require.NoError(t, err)
		if local.CommonPrefixLen(ident.ID()) == cpl {
			out = append(out, ident)
		}
	}
	return out
}
