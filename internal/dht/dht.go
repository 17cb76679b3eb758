package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/pow"
	"github.com/WebFirstLanguage/powdht/pkg/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNoSelfRecord means the local record has not been minted yet.
var ErrNoSelfRecord = errors.New("local peer record not available")

// banDuration is how long a peer relaying forged records or proofs is ignored
const banDuration = 10 * time.Minute

// Network sends one request envelope and returns the peer's reply.
type Network interface {
	Send(ctx context.Context, addr string, env *wire.Envelope) (*wire.Envelope, error)
}

// SelfRecordSource supplies the local node's current signed record
type SelfRecordSource interface {
	Current() *PeerRecord
}

// Config holds DHT service configuration
type Config struct {
	Identity            *identity.Identity
	Routing             *RoutingView
	Network             Network
	Self                SelfRecordSource
	Security            *SecurityManager
	Alpha               int           // Parallel queries per lookup round (default: 3)
	MaintenanceInterval time.Duration // Liveness sweep period (default: 30s)
	MaxFailures         int           // Failed pings before removal (default: 3)
	RequestTimeout      time.Duration // Per exchange (default: 10s)
	Logger              *logrus.Entry
}

// Service answers Ping and FindNode, runs lookups and keeps the routing view live.
type Service struct {
	identity *identity.Identity
	routing  *RoutingView
	network  Network
	self     SelfRecordSource
	security *SecurityManager
	logger   *logrus.Entry

	alpha               int
	maintenanceInterval time.Duration
	maxFailures         int
	requestTimeout      time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new DHT service
func New(config *Config) (*Service, error) {
	if config == nil || config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if config.Routing == nil {
		return nil, fmt.Errorf("routing view is required")
	}
	if config.Network == nil {
		return nil, fmt.Errorf("network is required")
	}
	if config.Self == nil {
		return nil, fmt.Errorf("self record source is required")
	}

	s := &Service{
		identity:            config.Identity,
		routing:             config.Routing,
		network:             config.Network,
		self:                config.Self,
		security:            config.Security,
		alpha:               config.Alpha,
		maintenanceInterval: config.MaintenanceInterval,
		maxFailures:         config.MaxFailures,
		requestTimeout:      config.RequestTimeout,
		logger:              config.Logger,
	}
	if s.security == nil {
		s.security = NewSecurityManager(nil)
	}
	if s.alpha <= 0 {
		s.alpha = constants.DHTAlpha
	}
	if s.maintenanceInterval <= 0 {
		s.maintenanceInterval = constants.DefaultMaintenanceInterval
	}
	if s.maxFailures <= 0 {
		s.maxFailures = constants.DefaultMaxFailures
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = constants.RequestTimeout
	}
	if s.logger == nil {
		s.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s.logger = s.logger.WithField("component", "dht")
	return s, nil
}

// Routing returns the routing view
func (s *Service) Routing() *RoutingView {
	return s.routing
}

// Peers returns every proof-verified peer currently in the routing view.
func (s *Service) Peers() []*PeerRecord {
	return s.routing.All()
}

// Start starts the maintenance loop
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("DHT is already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.maintenanceLoop(ctx, s.done)
	return nil
}

// Stop stops the maintenance loop and waits for it
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for DHT maintenance to stop")
	}
}

// HandleEnvelope serves one inbound request. A nil reply with an error means
// the request was malformed or forged and is dropped without an answer.
func (s *Service) HandleEnvelope(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	msg, err := DecodeMessage(env)
	if err != nil {
		return nil, err
	}
	if err := msg.Verify(); err != nil {
		return nil, fmt.Errorf("dropping %s: %w", wire.KindName(env.Kind), err)
	}

	sender := msg.SenderRecord()
	if !s.security.AllowRequest(sender.ID) {
		return wire.ErrorEnvelope(wire.ErrRateLimit(1)), nil
	}

	// Liveness is answered regardless of whether the sender is routable
	_ = s.admit(sender)

	self := s.self.Current()
	if self == nil {
		return wire.ErrorEnvelope(wire.ErrNoSelfRecord()), nil
	}

	var reply Message
	switch m := msg.(type) {
	case *Ping:
		if m.IsReply {
			return nil, wire.NewError(constants.ErrorMalformed, "unsolicited ping reply")
		}
		reply = NewPing(self, true)
	case *FindNode:
		if m.IsReply {
			return nil, wire.NewError(constants.ErrorMalformed, "unsolicited find node reply")
		}
		reply, err = NewFindNodeReply(self, m.Target, s.nearestExcluding(m.Target, sender.ID))
		if err != nil {
			return nil, err
		}
	}

	if err := reply.Sign(s.identity); err != nil {
		return nil, fmt.Errorf("failed to sign reply: %w", err)
	}
	return ToEnvelope(reply)
}

// Ping checks that the peer at addr is alive and returns its record. The
// record is offered to the routing view; a refused record is still returned.
func (s *Service) Ping(ctx context.Context, addr string) (*PeerRecord, error) {
	self := s.self.Current()
	if self == nil {
		return nil, ErrNoSelfRecord
	}

	req := NewPing(self, false)
	reply, err := s.exchange(ctx, addr, req, constants.KindPingReply)
	if err != nil {
		return nil, err
	}
	sender := reply.SenderRecord()
	_ = s.admit(sender)
	return sender, nil
}

// FindNode asks the peer at addr for its nearest records to target. The
// replying peer and every returned record are offered to the routing view.
func (s *Service) FindNode(ctx context.Context, addr string, target identity.ID) ([]*PeerRecord, error) {
	self := s.self.Current()
	if self == nil {
		return nil, ErrNoSelfRecord
	}

	reply, err := s.exchange(ctx, addr, NewFindNodeRequest(self, target), constants.KindFindNodeReply)
	if err != nil {
		return nil, err
	}
	fn := reply.(*FindNode)
	if fn.Target != target {
		return nil, fmt.Errorf("reply from %s answers target %s, asked %s", fn.Sender.ID.Short(), fn.Target.Short(), target.Short())
	}
	_ = s.admit(fn.Sender)

	peers := make([]*PeerRecord, 0, len(fn.Peers))
	for _, p := range fn.Peers {
		if p == nil {
			continue
		}
		if err := p.VerifySignature(); err != nil {
			return nil, s.banRelay(fn.Sender, err)
		}
		if p.ID == s.routing.LocalID() {
			continue
		}
		// Stale or unknown seeds may only mean our view of the chain differs
		if err := s.admit(p); errors.Is(err, pow.ErrDigestMismatch) {
			return nil, s.banRelay(fn.Sender, err)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// banRelay bans sender for relaying a record that fails verification
func (s *Service) banRelay(sender *PeerRecord, err error) error {
	s.security.Ban(sender.ID, banDuration)
	s.routing.Remove(sender.ID)
	s.logger.WithFields(logrus.Fields{
		"peer":  sender.ID.Short(),
		"error": err,
	}).Warn("Peer relayed a forged record, banning")
	return fmt.Errorf("reply from %s carries a forged record: %w", sender.ID.Short(), err)
}

// Lookup iteratively queries the peers closest to target, alpha at a time,
// until a round brings no closer peer. It returns up to constants.FanOut
// records ordered by distance to target.
func (s *Service) Lookup(ctx context.Context, target identity.ID) ([]*PeerRecord, error) {
	shortlist := s.routing.Nearest(target, constants.FanOut)
	if len(shortlist) == 0 {
		return nil, fmt.Errorf("no peers to query")
	}

	queried := make(map[identity.ID]bool)
	failed := make(map[identity.ID]bool)
	for round := 0; round < constants.MaxLookupRounds; round++ {
		if err := ctx.Err(); err != nil {
			return shortlist, err
		}

		var batch []*PeerRecord
		for _, p := range shortlist {
			if !queried[p.ID] {
				queried[p.ID] = true
				if !s.security.IsBanned(p.ID) {
					batch = append(batch, p)
				}
			}
			if len(batch) == s.alpha {
				break
			}
		}
		if len(batch) == 0 {
			break
		}

		var mu sync.Mutex
		var found []*PeerRecord
		g := new(errgroup.Group)
		g.SetLimit(s.alpha)
		for _, p := range batch {
			p := p
			g.Go(func() error {
				peers, err := s.FindNode(ctx, p.Addr, target)
				if err != nil {
					s.logger.WithFields(logrus.Fields{
						"peer":  p.ID.Short(),
						"error": err,
					}).Debug("Lookup query failed")
					s.routing.MarkFailed(p.ID, s.maxFailures)
					mu.Lock()
					failed[p.ID] = true
					mu.Unlock()
					return nil
				}
				mu.Lock()
				found = append(found, peers...)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		closest := shortlist[0].ID
		shortlist = mergeShortlist(shortlist, found, failed, target)
		if len(shortlist) == 0 {
			break
		}
		if shortlist[0].ID == closest && !hasUnqueried(shortlist, queried) {
			break
		}
	}

	s.logger.WithFields(logrus.Fields{
		"target":  target.Short(),
		"results": len(shortlist),
		"queried": len(queried),
	}).Debug("Lookup finished")
	return shortlist, nil
}

// exchange signs req, sends it and verifies a reply of the wanted kind
func (s *Service) exchange(ctx context.Context, addr string, req Message, want uint16) (Message, error) {
	if err := req.Sign(s.identity); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	env, err := ToEnvelope(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := s.network.Send(ctx, addr, env)
	if err != nil {
		return nil, fmt.Errorf("%s to %s failed: %w", wire.KindName(req.Kind()), addr, err)
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	if wire.IsErrorEnvelope(resp) {
		wireErr, err := wire.ExtractError(resp)
		if err != nil {
			return nil, err
		}
		return nil, wireErr
	}
	if resp.Kind != want {
		return nil, wire.NewError(constants.ErrorMalformed,
			fmt.Sprintf("expected %s, got %s", wire.KindName(want), wire.KindName(resp.Kind)))
	}

	reply, err := DecodeMessage(resp)
	if err != nil {
		return nil, err
	}
	if err := reply.Verify(); err != nil {
		return nil, fmt.Errorf("reply from %s: %w", addr, err)
	}
	return reply, nil
}

// admit offers a record to the routing view. Self and banned records are
// skipped without an error.
func (s *Service) admit(record *PeerRecord) error {
	if record.ID == s.routing.LocalID() || s.security.IsBanned(record.ID) {
		return nil
	}
	return s.routing.Admit(record)
}

func (s *Service) nearestExcluding(target, exclude identity.ID) []*PeerRecord {
	peers := s.routing.All()
	out := peers[:0]
	for _, p := range peers {
		if p.ID != exclude {
			out = append(out, p)
		}
	}
	sortByDistance(out, target)
	if len(out) > constants.FanOut {
		out = out[:constants.FanOut]
	}
	return out
}

// maintenanceLoop runs periodic liveness checks
func (s *Service) maintenanceLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PerformMaintenance(ctx)
		}
	}
}

// PerformMaintenance pings every stale contact. Answering contacts are
// refreshed; silent ones accumulate failures until removed.
func (s *Service) PerformMaintenance(ctx context.Context) {
	stale := s.routing.Stale()
	if len(stale) == 0 {
		return
	}

	var removed, alive int
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.alpha)
	for _, c := range stale {
		c := c
		g.Go(func() error {
			rec, err := s.Ping(ctx, c.Record.Addr)
			mu.Lock()
			defer mu.Unlock()
			if err == nil && rec.ID == c.ID() {
				s.routing.Touch(c.ID())
				alive++
				return nil
			}
			if s.routing.MarkFailed(c.ID(), s.maxFailures) {
				removed++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.WithFields(logrus.Fields{
		"checked": len(stale),
		"alive":   alive,
		"removed": removed,
	}).Debug("Routing maintenance finished")
}

func mergeShortlist(shortlist, found []*PeerRecord, failed map[identity.ID]bool, target identity.ID) []*PeerRecord {
	seen := make(map[identity.ID]bool, len(shortlist)+len(found))
	for id := range failed {
		seen[id] = true
	}
	merged := make([]*PeerRecord, 0, len(shortlist)+len(found))
	for _, p := range append(append([]*PeerRecord{}, shortlist...), found...) {
		if !seen[p.ID] {
			seen[p.ID] = true
			merged = append(merged, p)
		}
	}
	sortByDistance(merged, target)
	if len(merged) > constants.FanOut {
		merged = merged[:constants.FanOut]
	}
	return merged
}

func hasUnqueried(shortlist []*PeerRecord, queried map[identity.ID]bool) bool {
	for _, p := range shortlist {
		if !queried[p.ID] {
			return true
		}
	}
	return false
}
