package node

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/config"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Listen = "127.0.0.1:0"
	cfg.Difficulty = 1
	cfg.Workers = 2
	return cfg
}

func newTestNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	ident, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("Failed to generate test identity: %v", err)
	}
	n, err := New(cfg, ident, quietLogger())
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}
	t.Cleanup(func() {
		if n.State() != StateStopped {
			_ = n.Stop(context.Background())
		}
	})
	return n
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateStopped:  "stopped",
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		StateError:    "error",
		State(42):     "unknown",
	}
	for state, want := range tests {
		if state.String() != want {
			t.Errorf("Expected %q, got %q", want, state.String())
		}
	}
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig(t)
	if _, err := New(cfg, nil, quietLogger()); err == nil {
		t.Error("Expected error without identity")
	}

	ident, _ := identity.GenerateIdentity()
	cfg.Difficulty = -1
	if _, err := New(cfg, ident, quietLogger()); err == nil {
		t.Error("Expected error for invalid config")
	}
}

// TestNodeLifecycle tests the complete node lifecycle
func TestNodeLifecycle(t *testing.T) {
	n := newTestNode(t, testConfig(t))
	ctx := testContext(t)

	if n.State() != StateStopped {
		t.Errorf("Initial state should be %v, got %v", StateStopped, n.State())
	}
	if n.Service() != nil || n.Addr() != nil || n.Record() != nil {
		t.Error("Stopped node should expose no runtime components")
	}
	if _, err := n.Lookup(ctx, n.ID()); err != ErrNotRunning {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Failed to start node: %v", err)
	}
	if n.State() != StateRunning {
		t.Errorf("After start, state should be %v, got %v", StateRunning, n.State())
	}
	if err := n.Start(ctx); err == nil {
		t.Error("Expected second start to fail")
	}

	record := n.Record()
	if record == nil {
		t.Fatal("Running node should have a signed record")
	}
	if record.ID != n.ID() {
		t.Error("Record does not belong to the node")
	}
	if record.Addr != n.Addr().String() {
		t.Errorf("Expected advertised address %s, got %s", n.Addr(), record.Addr)
	}
	if err := n.Verifier().Verify(record.Proof()); err != nil {
		t.Errorf("Own record should verify: %v", err)
	}

	if err := n.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop node: %v", err)
	}
	if n.State() != StateStopped {
		t.Errorf("After stop, state should be %v, got %v", StateStopped, n.State())
	}
	if err := n.Stop(ctx); err == nil {
		t.Error("Expected second stop to fail")
	}

	// A stopped node starts again with fresh components
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Failed to restart node: %v", err)
	}
	if n.Record() == nil {
		t.Error("Restarted node should have a record")
	}
}

func TestStartFailureEntersErrorState(t *testing.T) {
	first := newTestNode(t, testConfig(t))
	ctx := testContext(t)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Failed to start node: %v", err)
	}

	cfg := testConfig(t)
	cfg.Listen = first.Addr().String()
	second := newTestNode(t, cfg)

	if err := second.Start(ctx); err == nil {
		t.Fatal("Expected start on a bound port to fail")
	}
	if second.State() != StateError {
		t.Errorf("Expected state %v, got %v", StateError, second.State())
	}
	if second.Service() != nil || second.Engine() != nil {
		t.Error("Failed start should tear down its components")
	}
}

func TestTwoNodesOverQUIC(t *testing.T) {
	ctx := testContext(t)

	hub := newTestNode(t, testConfig(t))
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}

	cfg := testConfig(t)
	cfg.Seeds = []string{hub.Addr().String()}
	peer := newTestNode(t, cfg)
	if err := peer.Start(ctx); err != nil {
		t.Fatalf("Failed to start peer: %v", err)
	}

	if !peer.Bootstrap().IsBootstrapped() {
		t.Fatal("Peer should have bootstrapped from the hub")
	}
	if peer.Service().Routing().Get(hub.ID()) == nil {
		t.Error("Peer should route to the hub")
	}
	if hub.Service().Routing().Get(peer.ID()) == nil {
		t.Error("Hub should have admitted the peer")
	}

	record, err := hub.Ping(ctx, peer.Addr().String())
	if err != nil {
		t.Fatalf("Hub failed to ping peer: %v", err)
	}
	if record.ID != peer.ID() {
		t.Error("Ping answered by the wrong node")
	}

	found, err := hub.Lookup(ctx, peer.ID())
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(found) == 0 || found[0].ID != peer.ID() {
		t.Error("Lookup should return the peer first")
	}
}
