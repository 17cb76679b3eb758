package dht

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/pow"
	"github.com/sirupsen/logrus"
)

// TokenSource mints proofs for the local identity
type TokenSource interface {
	BlockingGetToken(ctx context.Context, height uint64) (pow.ProofRecord, error)
	Prune(below uint64) int
}

// AdvertiserConfig holds configuration for the local record advertiser
type AdvertiserConfig struct {
	Identity        *identity.Identity
	Tokens          TokenSource
	Head            pow.HeadSource
	Addr            string
	SeedLag         uint64        // Blocks between head and advertised seed (default: 6)
	RefreshInterval time.Duration // Head polling period (default: 30s)
	Logger          *logrus.Entry
}

// Advertiser keeps the node's own signed PeerRecord minted against a seed
// SeedLag blocks behind the chain head.
type Advertiser struct {
	identity        *identity.Identity
	tokens          TokenSource
	head            pow.HeadSource
	addr            string
	seedLag         uint64
	refreshInterval time.Duration
	logger          *logrus.Entry

	mu      sync.RWMutex
	current *PeerRecord

	refreshMu sync.Mutex

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAdvertiser creates an advertiser. Nothing is minted until Refresh or Start.
func NewAdvertiser(config *AdvertiserConfig) (*Advertiser, error) {
	if config == nil || config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if config.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if config.Head == nil {
		return nil, fmt.Errorf("head source is required")
	}
	if config.Addr == "" {
		return nil, fmt.Errorf("advertised address is required")
	}

	a := &Advertiser{
		identity:        config.Identity,
		tokens:          config.Tokens,
		head:            config.Head,
		addr:            config.Addr,
		seedLag:         config.SeedLag,
		refreshInterval: config.RefreshInterval,
		logger:          config.Logger,
	}
	if a.seedLag == 0 {
		a.seedLag = constants.DefaultSeedLag
	}
	if a.refreshInterval <= 0 {
		a.refreshInterval = constants.DefaultRefreshInterval
	}
	if a.logger == nil {
		a.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	a.logger = a.logger.WithField("component", "advertiser")
	return a, nil
}

// Current returns the latest signed record, or nil before the first mint
func (a *Advertiser) Current() *PeerRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.current == nil {
		return nil
	}
	return a.current.Copy()
}

// SeedHeight returns the height the next record should be minted against
func (a *Advertiser) SeedHeight() uint64 {
	head := a.head.Height()
	if head < a.seedLag {
		return 0
	}
	return head - a.seedLag
}

// Refresh mints and signs a new record if the seed height moved past the
// advertised one, blocking until the proof is found.
func (a *Advertiser) Refresh(ctx context.Context) (*PeerRecord, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	height := a.SeedHeight()
	if cur := a.Current(); cur != nil && cur.SeedHeight >= height {
		return cur, nil
	}

	start := time.Now()
	proof, err := a.tokens.BlockingGetToken(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("failed to mint proof at height %d: %w", height, err)
	}
	record, err := NewPeerRecord(a.identity, a.addr, proof)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.current = record
	a.mu.Unlock()

	pruned := a.tokens.Prune(height)
	a.logger.WithFields(logrus.Fields{
		"height":   height,
		"nonce":    proof.Nonce,
		"pruned":   pruned,
		"duration": time.Since(start),
	}).Info("Peer record refreshed")
	return record.Copy(), nil
}

// Start mints the first record in the background and keeps it fresh
func (a *Advertiser) Start(ctx context.Context) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	if a.cancel != nil {
		return fmt.Errorf("advertiser is already running")
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.refreshLoop(ctx, a.done)
	return nil
}

// Stop stops the refresh loop
func (a *Advertiser) Stop() error {
	a.lifeMu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.lifeMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for advertiser to stop")
	}
}

func (a *Advertiser) refreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.refreshInterval)
	defer ticker.Stop()

	for {
		if _, err := a.Refresh(ctx); err != nil && ctx.Err() == nil {
			a.logger.WithError(err).Warn("Peer record refresh failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
