package node

import (
	"context"
	"testing"
	"time"
)

func fastSupervisor(n *Node, retries int) *Supervisor {
	return NewSupervisorWithConfig(n, SupervisorConfig{
		MaxRetries:          retries,
		RetryDelay:          10 * time.Millisecond,
		HealthCheckInterval: 20 * time.Millisecond,
		Logger:              quietLogger(),
	})
}

// TestSupervisor tests a healthy node under supervision
func TestSupervisor(t *testing.T) {
	n := newTestNode(t, testConfig(t))
	supervisor := fastSupervisor(n, 3)
	ctx := testContext(t)

	if err := supervisor.Start(ctx); err != nil {
		t.Fatalf("Failed to start supervisor: %v", err)
	}
	if err := supervisor.Start(ctx); err == nil {
		t.Error("Expected second supervisor start to fail")
	}
	if !supervisor.IsRunning() {
		t.Error("Supervisor should report running")
	}
	if n.State() != StateRunning {
		t.Errorf("Node should be running under supervisor, got %v", n.State())
	}

	time.Sleep(100 * time.Millisecond)
	if supervisor.RetryCount() != 0 {
		t.Errorf("Healthy node should not be restarted, got %d retries", supervisor.RetryCount())
	}

	if err := supervisor.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop supervisor: %v", err)
	}
	if n.State() != StateStopped {
		t.Errorf("Node should be stopped after supervisor stop, got %v", n.State())
	}
	if err := supervisor.Stop(ctx); err == nil {
		t.Error("Expected second supervisor stop to fail")
	}
}

// TestSupervisorGivesUp tests the retry limit on a node that cannot start
func TestSupervisorGivesUp(t *testing.T) {
	ctx := testContext(t)
	blocker := newTestNode(t, testConfig(t))
	if err := blocker.Start(ctx); err != nil {
		t.Fatalf("Failed to start node: %v", err)
	}

	cfg := testConfig(t)
	cfg.Listen = blocker.Addr().String()
	n := newTestNode(t, cfg)
	supervisor := fastSupervisor(n, 2)

	if err := supervisor.Start(ctx); err != nil {
		t.Fatalf("Failed to start supervisor: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for supervisor.RetryCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if supervisor.RetryCount() != 2 {
		t.Fatalf("Expected 2 restart attempts, got %d", supervisor.RetryCount())
	}

	time.Sleep(100 * time.Millisecond)
	if supervisor.RetryCount() != 2 {
		t.Errorf("Supervisor should stop retrying, got %d", supervisor.RetryCount())
	}
	if n.State() != StateError {
		t.Errorf("Expected state %v, got %v", StateError, n.State())
	}

	if err := supervisor.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop supervisor: %v", err)
	}
}

// TestSupervisorRecovers tests that a node is restarted once its port frees up
func TestSupervisorRecovers(t *testing.T) {
	ctx := testContext(t)
	blocker := newTestNode(t, testConfig(t))
	if err := blocker.Start(ctx); err != nil {
		t.Fatalf("Failed to start node: %v", err)
	}

	cfg := testConfig(t)
	cfg.Listen = blocker.Addr().String()
	n := newTestNode(t, cfg)
	supervisor := fastSupervisor(n, 50)

	if err := supervisor.Start(ctx); err != nil {
		t.Fatalf("Failed to start supervisor: %v", err)
	}
	defer supervisor.Stop(context.Background())

	if err := blocker.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop blocking node: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for n.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n.State() != StateRunning {
		t.Fatalf("Expected supervisor to restart the node, got %v", n.State())
	}
}
