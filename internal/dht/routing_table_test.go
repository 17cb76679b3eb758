package dht

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/chain"
	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/fixedhash"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/pow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeRecord(b byte) *PeerRecord {
	var id identity.ID
	id[0] = b
	id[constants.HashWidth-1] = 1
	return &PeerRecord{V: recordVersion, ID: id, Addr: "fake:1"}
}

func TestBucketAddRefreshMovesToTail(t *testing.T) {
	b := NewBucket(3)
	now := time.Unix(1000, 0)

	for i := byte(1); i <= 3; i++ {
		_, err := b.Add(fakeRecord(i), now, time.Minute)
		require.NoError(t, err)
	}
	_, err := b.Add(fakeRecord(1), now.Add(time.Second), time.Minute)
	require.NoError(t, err)

	all := b.All()
	require.Len(t, all, 3)
	assert.Equal(t, fakeRecord(2).ID, all[0].ID())
	assert.Equal(t, fakeRecord(1).ID, all[2].ID())
	assert.True(t, b.IsFull())
}

func TestBucketFullKeepsFreshEntries(t *testing.T) {
	b := NewBucket(2)
	now := time.Unix(1000, 0)

	for i := byte(1); i <= 2; i++ {
		_, err := b.Add(fakeRecord(i), now, time.Minute)
		require.NoError(t, err)
	}

	evicted, err := b.Add(fakeRecord(3), now.Add(30*time.Second), time.Minute)
	assert.ErrorIs(t, err, ErrBucketFull)
	assert.Nil(t, evicted)
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, 1, b.Replacements())
	assert.Nil(t, b.Get(fakeRecord(3).ID))
}

func TestBucketEvictsStaleEntry(t *testing.T) {
	b := NewBucket(2)
	now := time.Unix(1000, 0)

	_, err := b.Add(fakeRecord(1), now, time.Minute)
	require.NoError(t, err)
	_, err = b.Add(fakeRecord(2), now.Add(90*time.Second), time.Minute)
	require.NoError(t, err)

	evicted, err := b.Add(fakeRecord(3), now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, fakeRecord(1).ID, evicted.ID())
	assert.NotNil(t, b.Get(fakeRecord(3).ID))
	assert.NotNil(t, b.Get(fakeRecord(2).ID))
}

func TestBucketRemovePromotesReplacement(t *testing.T) {
	b := NewBucket(2)
	now := time.Unix(1000, 0)

	for i := byte(1); i <= 4; i++ {
		_, _ = b.Add(fakeRecord(i), now, time.Minute)
	}
	require.Equal(t, 2, b.Replacements())

	require.True(t, b.Remove(fakeRecord(1).ID))
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, 1, b.Replacements())
	// Freshest replacement wins
	assert.NotNil(t, b.Get(fakeRecord(4).ID))

	assert.False(t, b.Remove(fakeRecord(9).ID))
}

func TestCheckedBucketSkipsRefusedReplacement(t *testing.T) {
	refused := fakeRecord(4).ID
	b := NewCheckedBucket(2, func(r *PeerRecord) error {
		if r.ID == refused {
			return errors.New("refused")
		}
		return nil
	})
	now := time.Unix(1000, 0)

	for i := byte(1); i <= 4; i++ {
		_, _ = b.Add(fakeRecord(i), now, time.Minute)
	}

	require.True(t, b.Remove(fakeRecord(1).ID))
	assert.Nil(t, b.Get(refused))
	assert.NotNil(t, b.Get(fakeRecord(3).ID))
	assert.Equal(t, 2, b.Size())
	assert.Zero(t, b.Replacements())
}

func TestBucketMarkFailed(t *testing.T) {
	b := NewBucket(2)
	now := time.Unix(1000, 0)
	for i := byte(1); i <= 3; i++ {
		_, _ = b.Add(fakeRecord(i), now, time.Minute)
	}

	failures, removed := b.MarkFailed(fakeRecord(1).ID, 2)
	assert.Equal(t, 1, failures)
	assert.False(t, removed)

	// A successful check clears the count
	require.True(t, b.Touch(fakeRecord(1).ID, now.Add(time.Second)))
	failures, _ = b.MarkFailed(fakeRecord(1).ID, 2)
	assert.Equal(t, 1, failures)

	failures, removed = b.MarkFailed(fakeRecord(1).ID, 2)
	assert.Equal(t, 2, failures)
	assert.True(t, removed)
	assert.Nil(t, b.Get(fakeRecord(1).ID))
	assert.NotNil(t, b.Get(fakeRecord(3).ID), "replacement should be promoted")
}

func TestBucketStale(t *testing.T) {
	b := NewBucket(4)
	now := time.Unix(1000, 0)
	_, _ = b.Add(fakeRecord(1), now, time.Minute)
	_, _ = b.Add(fakeRecord(2), now.Add(50*time.Second), time.Minute)

	stale := b.Stale(now.Add(90*time.Second), time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, fakeRecord(1).ID, stale[0].ID())
}

func TestRoutingViewAdmit(t *testing.T) {
	store := testStore(t, 5)
	local := testIdentity(t, 1)
	rv := testRoutingView(t, local.ID(), store, nil)

	peer := testRecord(t, testIdentity(t, 2), store, 4)
	require.NoError(t, rv.Admit(peer))
	assert.Equal(t, 1, rv.Size())

	got := rv.Get(peer.ID)
	require.NotNil(t, got)
	assert.Equal(t, peer.Addr, got.Addr)

	// Re-admission refreshes rather than duplicates
	require.NoError(t, rv.Admit(peer))
	assert.Equal(t, 1, rv.Size())
	assert.Equal(t, map[int]int{local.ID().CommonPrefixLen(peer.ID): 1}, rv.BucketInfo())
}

func TestRoutingViewRefusals(t *testing.T) {
	store := testStore(t, 5)
	local := testIdentity(t, 1)
	rv := testRoutingView(t, local.ID(), store, nil)

	t.Run("self", func(t *testing.T) {
		err := rv.Admit(testRecord(t, local, store, 1))
		assert.ErrorIs(t, err, ErrSelf)
	})

	t.Run("nil", func(t *testing.T) {
		assert.ErrorIs(t, rv.Admit(nil), pow.ErrVerificationFailed)
	})

	t.Run("bad nonce", func(t *testing.T) {
		ident := testIdentity(t, 3)
		nonce := findBadNonce(t, store, ident.ID(), 2)
		record, err := NewPeerRecord(ident, "peer:1", pow.ProofRecord{SeedHeight: 2, Nonce: nonce, Owner: ident.ID()})
		require.NoError(t, err)

		err = rv.Admit(record)
		var failure *pow.VerificationFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, uint64(2), failure.Height)
	})

	t.Run("forged signature", func(t *testing.T) {
		record := testRecord(t, testIdentity(t, 4), store, 2)
		record.Addr = "hijack:1"
		assert.ErrorIs(t, rv.Admit(record), pow.ErrVerificationFailed)
	})

	t.Run("unresolvable height", func(t *testing.T) {
		// Minted against a chain that is ahead of ours
		ahead := testStore(t, 50)
		record := testRecord(t, testIdentity(t, 5), ahead, 50)

		err := rv.Admit(record)
		var noHeight *chain.NoSuchHeightError
		require.ErrorAs(t, err, &noHeight)
		assert.Equal(t, uint64(50), noHeight.Height)
		assert.False(t, errors.Is(err, pow.ErrVerificationFailed))
	})

	assert.Equal(t, 0, rv.Size())
}

func TestRoutingViewNearestOrdering(t *testing.T) {
	store := testStore(t, 1)
	local := testIdentity(t, 1)
	rv := testRoutingView(t, local.ID(), store, nil)

	for i := 0; i < 30; i++ {
		_ = rv.Admit(testRecord(t, testIdentity(t, byte(40+i)), store, 1))
	}
	require.Greater(t, rv.Size(), constants.FanOut)

	target := testIdentity(t, 200).ID()
	nearest := rv.Nearest(target, 100)
	require.Len(t, nearest, constants.FanOut)
	for i := 1; i < len(nearest); i++ {
		assert.True(t, identity.Closer(target, nearest[i-1].ID, nearest[i].ID))
	}

	// Nothing left out is closer than the farthest returned
	farthest := nearest[len(nearest)-1].ID
	returned := make(map[identity.ID]bool)
	for _, p := range nearest {
		returned[p.ID] = true
	}
	for _, p := range rv.All() {
		if !returned[p.ID] {
			assert.True(t, identity.Closer(target, farthest, p.ID))
		}
	}

	assert.Len(t, rv.Nearest(target, 3), 3)
	assert.Empty(t, rv.Nearest(target, 0))
}

func TestRoutingViewFullBucket(t *testing.T) {
	store := testStore(t, 1)
	local := testIdentity(t, 1)
	clock := newManualClock()
	rv := testRoutingView(t, local.ID(), store, clock)

	idents := identitiesInBucket(t, local.ID(), 0, constants.FanOut+2)
	for _, ident := range idents[:constants.FanOut] {
		require.NoError(t, rv.Admit(testRecord(t, ident, store, 1)))
		clock.Advance(time.Second)
	}

	newcomer := testRecord(t, idents[constants.FanOut], store, 1)
	assert.ErrorIs(t, rv.Admit(newcomer), ErrBucketFull)
	assert.Nil(t, rv.Get(newcomer.ID))

	// Once the oldest entry goes stale it yields to the next newcomer
	clock.Advance(45 * time.Second)
	late := testRecord(t, idents[constants.FanOut+1], store, 1)
	require.NoError(t, rv.Admit(late))
	assert.Nil(t, rv.Get(idents[0].ID()))
	assert.NotNil(t, rv.Get(late.ID))
	assert.Equal(t, constants.FanOut, rv.Size())

	// Removal promotes the parked newcomer
	require.True(t, rv.Remove(late.ID))
	assert.NotNil(t, rv.Get(newcomer.ID))
}

func TestRoutingViewDropsStaleReplacement(t *testing.T) {
	store := testStore(t, 1)
	local := testIdentity(t, 1)
	rv := testRoutingView(t, local.ID(), store, newManualClock())

	idents := identitiesInBucket(t, local.ID(), 0, constants.FanOut+1)
	for _, ident := range idents[:constants.FanOut] {
		require.NoError(t, rv.Admit(testRecord(t, ident, store, 1)))
	}
	parked := testRecord(t, idents[constants.FanOut], store, 1)
	require.ErrorIs(t, rv.Admit(parked), ErrBucketFull)

	// The head moves past the parked record's seed age
	require.NoError(t, store.Set(150, fixedhash.Hash{0x01}))

	require.True(t, rv.Remove(idents[0].ID()))
	assert.Nil(t, rv.Get(parked.ID))
	assert.Equal(t, constants.FanOut-1, rv.Size())
}

func TestRoutingViewConcurrentAdmit(t *testing.T) {
	store := testStore(t, 1)
	local := testIdentity(t, 1)
	rv := testRoutingView(t, local.ID(), store, nil)

	idents := identitiesInBucket(t, local.ID(), 0, 3*constants.FanOut)
	records := make([]*PeerRecord, len(idents))
	for i, ident := range idents {
		records[i] = testRecord(t, ident, store, 1)
	}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for _, record := range records {
		wg.Add(1)
		go func(record *PeerRecord) {
			defer wg.Done()
			if err := rv.Admit(record); err == nil {
				admitted.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrBucketFull)
			}
			_ = rv.Nearest(record.ID, constants.FanOut)
		}(record)
	}
	wg.Wait()

	assert.Equal(t, int32(constants.FanOut), admitted.Load())
	assert.Equal(t, constants.FanOut, rv.BucketInfo()[0])
	assert.Equal(t, constants.FanOut, rv.Size())
}

func TestRoutingViewMarkFailedAndStale(t *testing.T) {
	store := testStore(t, 1)
	clock := newManualClock()
	rv := testRoutingView(t, testIdentity(t, 1).ID(), store, clock)

	peer := testRecord(t, testIdentity(t, 2), store, 1)
	require.NoError(t, rv.Admit(peer))
	assert.Empty(t, rv.Stale())

	clock.Advance(2 * time.Minute)
	require.Len(t, rv.Stale(), 1)

	require.True(t, rv.Touch(peer.ID))
	assert.Empty(t, rv.Stale())

	assert.False(t, rv.MarkFailed(peer.ID, 2))
	assert.Equal(t, 1, rv.Contact(peer.ID).Failures)
	assert.True(t, rv.MarkFailed(peer.ID, 2))
	assert.Equal(t, 0, rv.Size())
}

func TestNewRoutingViewRequiresVerifier(t *testing.T) {
	_, err := NewRoutingView(&RoutingConfig{})
	assert.Error(t, err)
	_, err = NewRoutingView(nil)
	assert.Error(t, err)
}
