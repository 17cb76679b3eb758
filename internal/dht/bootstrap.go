package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SeedNode is a bootstrap contact known only by address
type SeedNode struct {
	Addr string `json:"addr"`           // host:port of the seed
	Name string `json:"name,omitempty"` // Human-readable name (optional)
}

// Bootstrap manages seed nodes and the bootstrap process
type Bootstrap struct {
	mu        sync.RWMutex
	service   *Service
	seedNodes []*SeedNode
	seedFile  string
	logger    *logrus.Entry

	bootstrapped  bool
	lastBootstrap time.Time
}

// BootstrapConfig holds bootstrap configuration
type BootstrapConfig struct {
	Service  *Service
	Seeds    []string // Seed addresses from configuration
	SeedFile string   // Optional JSON file of additional seeds
	Logger   *logrus.Entry
}

// NewBootstrap creates a new bootstrap manager
func NewBootstrap(config *BootstrapConfig) (*Bootstrap, error) {
	if config == nil || config.Service == nil {
		return nil, fmt.Errorf("DHT service is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	b := &Bootstrap{
		service:  config.Service,
		seedFile: config.SeedFile,
		logger:   logger.WithField("component", "bootstrap"),
	}

	if b.seedFile != "" {
		if err := b.loadSeedNodes(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load seed nodes: %w", err)
		}
	}
	for _, addr := range config.Seeds {
		b.addSeed(&SeedNode{Addr: addr})
	}

	return b, nil
}

// AddSeedNode adds or updates a seed node and persists the seed file
func (b *Bootstrap) AddSeedNode(seed *SeedNode) error {
	if seed == nil || seed.Addr == "" {
		return fmt.Errorf("seed node address is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.addSeed(seed)
	return b.saveSeedNodes()
}

// RemoveSeedNode removes a seed node by address
func (b *Bootstrap) RemoveSeedNode(addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, seed := range b.seedNodes {
		if seed.Addr == addr {
			b.seedNodes = append(b.seedNodes[:i], b.seedNodes[i+1:]...)
			return b.saveSeedNodes()
		}
	}

	return fmt.Errorf("seed node not found: %s", addr)
}

// GetSeedNodes returns a copy of all seed nodes
func (b *Bootstrap) GetSeedNodes() []*SeedNode {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seeds := make([]*SeedNode, len(b.seedNodes))
	for i, seed := range b.seedNodes {
		s := *seed
		seeds[i] = &s
	}
	return seeds
}

// Bootstrap pings every seed, then looks up the local ID so the view fills
// with the peers nearest to us. It fails only if no seed answers.
func (b *Bootstrap) Bootstrap(ctx context.Context) error {
	seeds := b.GetSeedNodes()
	if len(seeds) == 0 {
		return fmt.Errorf("no seed nodes configured")
	}

	b.logger.WithField("seeds", len(seeds)).Info("Starting bootstrap")

	var mu sync.Mutex
	connected := 0
	g := new(errgroup.Group)
	g.SetLimit(b.service.alpha)
	for _, seed := range seeds {
		seed := seed
		g.Go(func() error {
			rec, err := b.service.Ping(ctx, seed.Addr)
			if err != nil {
				b.logger.WithFields(logrus.Fields{
					"seed":  seed.Addr,
					"name":  seed.Name,
					"error": err,
				}).Warn("Failed to reach seed")
				return nil
			}
			b.logger.WithFields(logrus.Fields{
				"seed": seed.Addr,
				"peer": rec.ID.Short(),
			}).Debug("Seed answered")
			mu.Lock()
			connected++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if connected == 0 {
		return fmt.Errorf("failed to reach any of %d seed nodes", len(seeds))
	}

	// A lookup failure leaves the seeds admitted, which is enough to continue
	peers, err := b.service.Lookup(ctx, b.service.routing.LocalID())
	if err != nil {
		b.logger.WithError(err).Warn("Self lookup failed")
	}

	b.mu.Lock()
	b.bootstrapped = true
	b.lastBootstrap = time.Now()
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"seeds":  connected,
		"nearby": len(peers),
		"routed": b.service.routing.Size(),
	}).Info("Bootstrap completed")
	return nil
}

// IsBootstrapped returns whether bootstrap has been completed
func (b *Bootstrap) IsBootstrapped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bootstrapped
}

// GetLastBootstrapTime returns the time of the last successful bootstrap
func (b *Bootstrap) GetLastBootstrapTime() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastBootstrap
}

// GetSeedFile returns the path to the seed file
func (b *Bootstrap) GetSeedFile() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seedFile
}

func (b *Bootstrap) addSeed(seed *SeedNode) {
	for i, existing := range b.seedNodes {
		if existing.Addr == seed.Addr {
			b.seedNodes[i] = seed
			return
		}
	}
	b.seedNodes = append(b.seedNodes, seed)
}

// loadSeedNodes loads seed nodes from the seed file
func (b *Bootstrap) loadSeedNodes() error {
	data, err := os.ReadFile(b.seedFile)
	if err != nil {
		return err
	}

	var seeds []*SeedNode
	if err := json.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	for _, seed := range seeds {
		if seed != nil && seed.Addr != "" {
			b.addSeed(seed)
		}
	}
	return nil
}

// saveSeedNodes saves seed nodes to the seed file, if one is configured
func (b *Bootstrap) saveSeedNodes() error {
	if b.seedFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(b.seedFile), 0700); err != nil {
		return fmt.Errorf("failed to create seed directory: %w", err)
	}

	data, err := json.MarshalIndent(b.seedNodes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal seed nodes: %w", err)
	}

	if err := os.WriteFile(b.seedFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write seed file: %w", err)
	}

	return nil
}
