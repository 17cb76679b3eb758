package dht

import (
	"errors"
	"fmt"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/pow"
	"github.com/sirupsen/logrus"
)

// ErrSelf is returned when the local identity is offered for admission.
var ErrSelf = errors.New("record is the local identity")

// ProofVerifier checks remote proofs
type ProofVerifier interface {
	Verify(p pow.ProofRecord) error
}

// RoutingConfig holds routing view configuration
type RoutingConfig struct {
	LocalID    identity.ID
	Verifier   ProofVerifier
	StaleAfter time.Duration // Age after which a full bucket may evict an entry (default: 10m)
	Logger     *logrus.Entry
	Now        func() time.Time
}

// RoutingView holds proof-verified peers in constants.HashBits buckets
// indexed by common prefix length with the local ID.
type RoutingView struct {
	localID    identity.ID
	verifier   ProofVerifier
	staleAfter time.Duration
	logger     *logrus.Entry
	now        func() time.Time

	buckets [constants.HashBits]*Bucket
}

// NewRoutingView creates a routing view for config.LocalID
func NewRoutingView(config *RoutingConfig) (*RoutingView, error) {
	if config == nil || config.Verifier == nil {
		return nil, fmt.Errorf("routing view requires a proof verifier")
	}

	staleAfter := config.StaleAfter
	if staleAfter <= 0 {
		staleAfter = constants.DefaultStaleAfter
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	rv := &RoutingView{
		localID:    config.LocalID,
		verifier:   config.Verifier,
		staleAfter: staleAfter,
		logger:     logger.WithField("component", "routing"),
		now:        now,
	}
	for i := range rv.buckets {
		rv.buckets[i] = NewCheckedBucket(constants.FanOut, rv.recheck)
	}
	return rv, nil
}

// LocalID returns the identity buckets are computed against
func (rv *RoutingView) LocalID() identity.ID {
	return rv.localID
}

// Admit verifies record and adds or refreshes it. A nil error means the
// peer is routable. Rejections wrap ErrSelf, a *pow.VerificationFailure, a
// seed lookup error or ErrBucketFull.
func (rv *RoutingView) Admit(record *PeerRecord) error {
	if record == nil {
		return &pow.VerificationFailure{Reason: "nil record"}
	}
	if err := rv.admit(record); err != nil {
		rv.logger.WithFields(logrus.Fields{
			"peer":   record.ID.Short(),
			"height": record.SeedHeight,
			"error":  err,
		}).Debug("Peer refused")
		return err
	}
	return nil
}

func (rv *RoutingView) admit(record *PeerRecord) error {
	if record.ID == rv.localID {
		return ErrSelf
	}
	if err := record.IsValid(); err != nil {
		return &pow.VerificationFailure{Height: record.SeedHeight, Reason: err.Error()}
	}
	if err := record.VerifySignature(); err != nil {
		return fmt.Errorf("peer %s: %w", record.ID.Short(), err)
	}
	if err := rv.verifier.Verify(record.Proof()); err != nil {
		return fmt.Errorf("peer %s: %w", record.ID.Short(), err)
	}

	evicted, err := rv.bucketFor(record.ID).Add(record.Copy(), rv.now(), rv.staleAfter)
	if err != nil {
		return fmt.Errorf("peer %s in bucket %d: %w", record.ID.Short(), rv.bucketIndex(record.ID), err)
	}

	fields := logrus.Fields{
		"peer":   record.ID.Short(),
		"addr":   record.Addr,
		"height": record.SeedHeight,
	}
	if evicted != nil {
		fields["evicted"] = evicted.ID().Short()
	}
	rv.logger.WithFields(fields).Debug("Peer admitted")
	return nil
}

// recheck verifies a parked record's proof again before it is promoted
func (rv *RoutingView) recheck(record *PeerRecord) error {
	return rv.verifier.Verify(record.Proof())
}

// Nearest returns up to min(count, constants.FanOut) known records ordered by
// XOR distance to target, ties broken by ID byte order.
func (rv *RoutingView) Nearest(target identity.ID, count int) []*PeerRecord {
	if count > constants.FanOut {
		count = constants.FanOut
	}
	if count <= 0 {
		return nil
	}

	candidates := rv.All()
	sortByDistance(candidates, target)
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// Get returns a copy of the record for id, or nil
func (rv *RoutingView) Get(id identity.ID) *PeerRecord {
	if c := rv.Contact(id); c != nil {
		return c.Record
	}
	return nil
}

// Contact returns a copy of the contact for id, or nil
func (rv *RoutingView) Contact(id identity.ID) *Contact {
	if id == rv.localID {
		return nil
	}
	return rv.bucketFor(id).Get(id)
}

// Remove removes a peer
func (rv *RoutingView) Remove(id identity.ID) bool {
	if id == rv.localID {
		return false
	}
	return rv.bucketFor(id).Remove(id)
}

// Touch records a successful liveness check
func (rv *RoutingView) Touch(id identity.ID) bool {
	if id == rv.localID {
		return false
	}
	return rv.bucketFor(id).Touch(id, rv.now())
}

// MarkFailed records a failed liveness check and removes the peer after
// maxFailures consecutive failures.
func (rv *RoutingView) MarkFailed(id identity.ID, maxFailures int) bool {
	if id == rv.localID {
		return false
	}
	failures, removed := rv.bucketFor(id).MarkFailed(id, maxFailures)
	if removed {
		rv.logger.WithFields(logrus.Fields{
			"peer":     id.Short(),
			"failures": failures,
		}).Info("Peer removed after failed liveness checks")
	}
	return removed
}

// All returns copies of every known record
func (rv *RoutingView) All() []*PeerRecord {
	var records []*PeerRecord
	for _, b := range rv.buckets {
		for _, c := range b.All() {
			records = append(records, c.Record)
		}
	}
	return records
}

// Stale returns contacts not verified within the stale threshold
func (rv *RoutingView) Stale() []*Contact {
	now := rv.now()
	var stale []*Contact
	for _, b := range rv.buckets {
		stale = append(stale, b.Stale(now, rv.staleAfter)...)
	}
	return stale
}

// Size returns the total number of peers
func (rv *RoutingView) Size() int {
	total := 0
	for _, b := range rv.buckets {
		total += b.Size()
	}
	return total
}

// BucketInfo returns the sizes of non-empty buckets keyed by index
func (rv *RoutingView) BucketInfo() map[int]int {
	info := make(map[int]int)
	for i, b := range rv.buckets {
		if size := b.Size(); size > 0 {
			info[i] = size
		}
	}
	return info
}

// bucketIndex is the common prefix length with the local ID. Only the local
// ID itself would map past the last bucket.
func (rv *RoutingView) bucketIndex(id identity.ID) int {
	i := rv.localID.CommonPrefixLen(id)
	if i >= constants.HashBits {
		i = constants.HashBits - 1
	}
	return i
}

func (rv *RoutingView) bucketFor(id identity.ID) *Bucket {
	return rv.buckets[rv.bucketIndex(id)]
}
