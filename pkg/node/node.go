// Package node wires a running powdht peer: the mining engine, the routing
// view, the QUIC transport and the DHT service, under one lifecycle.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WebFirstLanguage/powdht/internal/dht"
	"github.com/WebFirstLanguage/powdht/pkg/chain"
	"github.com/WebFirstLanguage/powdht/pkg/config"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/pow"
	"github.com/WebFirstLanguage/powdht/pkg/transport"
	"github.com/WebFirstLanguage/powdht/pkg/transport/quic"
	"github.com/WebFirstLanguage/powdht/pkg/wire"
	"github.com/WebFirstLanguage/powdht/pkg/workerpool"
	"github.com/sirupsen/logrus"
)

// ErrNotRunning is returned by operations that need a started node
var ErrNotRunning = errors.New("node is not running")

// State represents the current state of a node
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Node is one powdht peer. Components are rebuilt on every Start, so a
// stopped or failed node can be started again.
type Node struct {
	mu       sync.RWMutex
	state    State
	config   *config.Config
	identity *identity.Identity
	logger   *logrus.Entry

	chain    *chain.Clock
	alg      pow.Algorithm
	verifier *pow.Verifier

	pool       *workerpool.Pool
	engine     *pow.Engine
	routing    *dht.RoutingView
	advertiser *dht.Advertiser
	transport  *quic.Transport
	service    *dht.Service
	bootstrap  *dht.Bootstrap

	// Inbound requests are dispatched here once the service exists
	handler atomic.Pointer[dht.Service]

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped node for ident
func New(cfg *config.Config, ident *identity.Identity, logger *logrus.Entry) (*Node, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	alg, err := pow.ParseAlgorithm(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	clock := cfg.DevChain()
	verifier, err := NewVerifier(cfg, clock)
	if err != nil {
		return nil, err
	}

	return &Node{
		state:    StateStopped,
		config:   cfg,
		identity: ident,
		logger:   logger.WithField("id", ident.ID().Short()),
		chain:    clock,
		alg:      alg,
		verifier: verifier,
	}, nil
}

// NewVerifier builds the proof verifier for the network described by cfg
func NewVerifier(cfg *config.Config, seeds pow.SeedSource) (*pow.Verifier, error) {
	alg, err := pow.ParseAlgorithm(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	target, err := pow.NewTarget(cfg.Difficulty)
	if err != nil {
		return nil, err
	}

	var head pow.HeadSource
	if h, ok := seeds.(pow.HeadSource); ok {
		head = h
	}
	verifier, err := pow.NewVerifier(&pow.VerifierConfig{
		Seeds:      seeds,
		Algorithm:  alg,
		Target:     target,
		Head:       head,
		MaxSeedAge: cfg.MaxSeedAge,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}
	return verifier, nil
}

// State returns the current node state
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) setState(state State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = state
}

// Identity returns the node's identity
func (n *Node) Identity() *identity.Identity {
	return n.identity
}

// ID returns the node's DHT identifier
func (n *Node) ID() identity.ID {
	return n.identity.ID()
}

// Chain returns the seed chain the node mines and verifies against
func (n *Node) Chain() *chain.Clock {
	return n.chain
}

// Verifier returns the proof verifier
func (n *Node) Verifier() *pow.Verifier {
	return n.verifier
}

// Service returns the DHT service, or nil while stopped
func (n *Node) Service() *dht.Service {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.service
}

// Engine returns the mining engine, or nil while stopped
func (n *Node) Engine() *pow.Engine {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engine
}

// Bootstrap returns the bootstrap manager, or nil while stopped
func (n *Node) Bootstrap() *dht.Bootstrap {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bootstrap
}

// Addr returns the bound listener address, or nil while stopped
func (n *Node) Addr() net.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.transport == nil {
		return nil
	}
	return n.transport.Addr()
}

// Record returns the node's current signed PeerRecord
func (n *Node) Record() *dht.PeerRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.advertiser == nil {
		return nil
	}
	return n.advertiser.Current()
}

// Lookup runs an iterative FindNode for target
func (n *Node) Lookup(ctx context.Context, target identity.ID) ([]*dht.PeerRecord, error) {
	svc := n.runningService()
	if svc == nil {
		return nil, ErrNotRunning
	}
	return svc.Lookup(ctx, target)
}

// Ping pings the peer at addr
func (n *Node) Ping(ctx context.Context, addr string) (*dht.PeerRecord, error) {
	svc := n.runningService()
	if svc == nil {
		return nil, ErrNotRunning
	}
	return svc.Ping(ctx, addr)
}

func (n *Node) runningService() *dht.Service {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state != StateRunning {
		return nil
	}
	return n.service
}

// Start binds the listener, mints the first record and joins the network.
// A failure leaves the node in StateError with everything torn down.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case StateRunning:
		n.mu.Unlock()
		return fmt.Errorf("node is already running")
	case StateStarting:
		n.mu.Unlock()
		return fmt.Errorf("node is already starting")
	case StateStopping:
		n.mu.Unlock()
		return fmt.Errorf("node is stopping")
	}
	n.state = StateStarting
	n.mu.Unlock()

	if err := n.start(ctx); err != nil {
		n.teardown()
		n.setState(StateError)
		return err
	}

	n.setState(StateRunning)
	n.logger.WithFields(logrus.Fields{
		"addr":  n.Addr().String(),
		"peers": n.Service().Routing().Size(),
	}).Info("Node started")
	return nil
}

func (n *Node) start(ctx context.Context) error {
	cfg := n.config

	pool := workerpool.New(&workerpool.Config{Size: cfg.Workers, Logger: n.logger})
	n.mu.Lock()
	n.pool = pool
	n.mu.Unlock()

	engine, err := pow.NewEngine(&pow.EngineConfig{
		Identity:  n.identity,
		Seeds:     n.chain,
		Pool:      pool,
		Algorithm: n.alg,
		Target:    n.verifier.Target(),
		Logger:    n.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create mining engine: %w", err)
	}
	n.mu.Lock()
	n.engine = engine
	n.mu.Unlock()

	routing, err := dht.NewRoutingView(&dht.RoutingConfig{
		LocalID:    n.identity.ID(),
		Verifier:   n.verifier,
		StaleAfter: cfg.StaleAfter,
		Logger:     n.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create routing view: %w", err)
	}

	tlsConf, err := transport.SelfSignedTLS(n.identity)
	if err != nil {
		return err
	}
	tcfg := transport.DefaultConfig()
	tcfg.TLSConfig = tlsConf
	qt, err := quic.New(tcfg, transport.HandlerFunc(n.handleEnvelope), n.logger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	n.mu.Lock()
	n.routing, n.transport = routing, qt
	n.mu.Unlock()

	if err := qt.Listen(cfg.Listen); err != nil {
		return err
	}

	advertiser, err := dht.NewAdvertiser(&dht.AdvertiserConfig{
		Identity:        n.identity,
		Tokens:          engine,
		Head:            n.chain,
		Addr:            n.advertiseAddr(qt.Addr()),
		SeedLag:         cfg.SeedLag,
		RefreshInterval: cfg.RefreshInterval,
		Logger:          n.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create advertiser: %w", err)
	}

	service, err := dht.New(&dht.Config{
		Identity:            n.identity,
		Routing:             routing,
		Network:             qt,
		Self:                advertiser,
		Alpha:               cfg.Alpha,
		MaintenanceInterval: cfg.MaintenanceInterval,
		MaxFailures:         cfg.MaxFailures,
		Logger:              n.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create DHT service: %w", err)
	}

	bootstrap, err := dht.NewBootstrap(&dht.BootstrapConfig{
		Service:  service,
		Seeds:    cfg.Seeds,
		SeedFile: cfg.SeedPath(),
		Logger:   n.logger,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	n.mu.Lock()
	n.advertiser, n.service, n.bootstrap = advertiser, service, bootstrap
	n.cancel, n.done = cancel, done
	n.mu.Unlock()
	n.handler.Store(service)

	go n.watchFaults(runCtx, pool, done)

	// Requests and pings carry our record, so the first one is minted up front
	if _, err := advertiser.Refresh(ctx); err != nil {
		return err
	}
	if err := advertiser.Start(runCtx); err != nil {
		return err
	}
	if err := service.Start(runCtx); err != nil {
		return err
	}

	if len(bootstrap.GetSeedNodes()) > 0 {
		if err := bootstrap.Bootstrap(ctx); err != nil {
			n.logger.WithError(err).Warn("Bootstrap failed, serving without peers")
		}
	}
	return nil
}

// advertiseAddr picks the address put in our record. An unspecified or
// zero listen port is replaced by what the listener actually bound.
func (n *Node) advertiseAddr(bound net.Addr) string {
	if n.config.Advertise != "" {
		return n.config.Advertise
	}
	host, port, err := net.SplitHostPort(n.config.Listen)
	if err != nil || bound == nil {
		return n.config.Listen
	}
	if udp, ok := bound.(*net.UDPAddr); ok && (port == "0" || port == "") {
		port = fmt.Sprint(udp.Port)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (n *Node) handleEnvelope(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	svc := n.handler.Load()
	if svc == nil {
		return nil, ErrNotRunning
	}
	return svc.HandleEnvelope(ctx, env)
}

// watchFaults logs mining task failures until the node stops
func (n *Node) watchFaults(ctx context.Context, pool *workerpool.Pool, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-pool.Faults():
			n.logger.WithFields(logrus.Fields{
				"task":  f.TaskID,
				"error": f.Err,
			}).Warn("Mining task failed")
		}
	}
}

// Stop shuts the node down, waiting at most until ctx expires
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case StateStopped:
		n.mu.Unlock()
		return fmt.Errorf("node is already stopped")
	case StateStopping:
		n.mu.Unlock()
		return fmt.Errorf("node is already stopping")
	}
	n.state = StateStopping
	done := n.done
	n.mu.Unlock()

	err := n.teardown()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			n.setState(StateStopped)
			return fmt.Errorf("timeout waiting for node to stop")
		}
	}

	n.setState(StateStopped)
	n.logger.Info("Node stopped")
	return err
}

// teardown stops whatever start managed to build, in reverse order
func (n *Node) teardown() error {
	n.handler.Store(nil)

	n.mu.Lock()
	service, advertiser, qt := n.service, n.advertiser, n.transport
	engine, pool, cancel := n.engine, n.pool, n.cancel
	n.service, n.advertiser, n.bootstrap, n.transport = nil, nil, nil, nil
	n.engine, n.pool, n.routing, n.cancel = nil, nil, nil, nil
	n.mu.Unlock()

	var errs []error
	if service != nil {
		errs = append(errs, service.Stop())
	}
	if advertiser != nil {
		errs = append(errs, advertiser.Stop())
	}
	if qt != nil {
		errs = append(errs, qt.Close())
	}
	if engine != nil {
		engine.Close()
	}
	if pool != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, pool.Shutdown(shutdownCtx))
		cancelShutdown()
	}
	if cancel != nil {
		cancel()
	}
	return errors.Join(errs...)
}
