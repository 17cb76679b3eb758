package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SupervisorConfig holds configuration for the supervisor
type SupervisorConfig struct {
	// MaxRetries is the maximum number of consecutive restart attempts
	MaxRetries int
	// RetryDelay is the delay before each restart attempt
	RetryDelay time.Duration
	// HealthCheckInterval is how often to check node health
	HealthCheckInterval time.Duration
	Logger              *logrus.Entry
}

// DefaultSupervisorConfig returns default supervisor configuration
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRetries:          3,
		RetryDelay:          5 * time.Second,
		HealthCheckInterval: 10 * time.Second,
	}
}

// Supervisor restarts a node that fell into StateError
type Supervisor struct {
	mu     sync.RWMutex
	node   *Node
	config SupervisorConfig
	logger *logrus.Entry

	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	running    bool
	retryCount int
}

// NewSupervisor creates a supervisor with the default configuration
func NewSupervisor(node *Node) *Supervisor {
	return NewSupervisorWithConfig(node, DefaultSupervisorConfig())
}

// NewSupervisorWithConfig creates a supervisor with custom configuration
func NewSupervisorWithConfig(node *Node, config SupervisorConfig) *Supervisor {
	logger := config.Logger
	if logger == nil {
		logger = node.logger
	}
	return &Supervisor{
		node:   node,
		config: config,
		logger: logger.WithField("component", "supervisor"),
	}
}

// Start starts the node and the health check loop. A node that fails its
// first start is left to the health check.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("supervisor is already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	s.retryCount = 0

	if err := s.node.Start(s.ctx); err != nil {
		s.logger.WithError(err).Warn("Node failed to start")
	}

	go s.supervise()
	return nil
}

// Stop stops the health check loop and the node
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is not running")
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for supervisor to stop")
	}

	if s.node.State() == StateStopped {
		return nil
	}
	if err := s.node.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop node: %w", err)
	}
	return nil
}

// IsRunning returns whether the supervisor is running
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RetryCount returns the number of restarts since the node was last healthy
func (s *Supervisor) RetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount
}

func (s *Supervisor) supervise() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkNodeHealth()
		}
	}
}

func (s *Supervisor) checkNodeHealth() {
	state := s.node.State()
	if state == StateRunning {
		s.mu.Lock()
		s.retryCount = 0
		s.mu.Unlock()
		return
	}
	if state != StateError {
		return
	}

	s.mu.Lock()
	if s.retryCount >= s.config.MaxRetries {
		s.mu.Unlock()
		s.logger.WithField("max_retries", s.config.MaxRetries).Error("Maximum restarts exceeded, giving up")
		return
	}
	s.retryCount++
	attempt := s.retryCount
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"attempt":     attempt,
		"max_retries": s.config.MaxRetries,
	}).Warn("Node unhealthy, restarting")

	select {
	case <-s.ctx.Done():
		return
	case <-time.After(s.config.RetryDelay):
	}

	if err := s.node.Start(s.ctx); err != nil {
		s.logger.WithError(err).Warn("Restart failed")
		return
	}
	s.logger.Info("Node restarted")
}
