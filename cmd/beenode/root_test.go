package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/WebFirstLanguage/powdht/pkg/config"
	"github.com/WebFirstLanguage/powdht/pkg/control"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/node"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "beenode dev")
}

func TestKeygenAndID(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "keygen", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "identity.json"))
	id := regexp.MustCompile(`ID: ([0-9a-f]+)`).FindStringSubmatch(out)
	require.Len(t, id, 2)

	_, err = execute(t, "keygen", "--data-dir", dir)
	assert.Error(t, err, "existing identity must not be replaced silently")

	out, err = execute(t, "id", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, id[1])
	assert.Contains(t, out, "Public key: ")

	out, err = execute(t, "keygen", "--data-dir", dir, "--force")
	require.NoError(t, err)
	assert.NotContains(t, out, id[1])
}

func TestIDWithoutIdentity(t *testing.T) {
	_, err := execute(t, "id", "--data-dir", t.TempDir())
	assert.Error(t, err)
}

func TestEnvironmentAndFlagPrecedence(t *testing.T) {
	envDir := t.TempDir()
	flagDir := t.TempDir()
	t.Setenv("POWDHT_DATA_DIR", envDir)

	out, err := execute(t, "keygen")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(envDir, "identity.json"))

	out, err = execute(t, "keygen", "--data-dir", flagDir)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(flagDir, "identity.json"))
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(t.TempDir(), "beenode.yaml")
	require.NoError(t, os.WriteFile(file, []byte("data-dir: "+dir+"\n"), 0600))

	out, err := execute(t, "keygen", "--config", file)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "identity.json"))

	_, err = execute(t, "keygen", "--config", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestInvalidConfigRejected(t *testing.T) {
	_, err := execute(t, "keygen", "--data-dir", t.TempDir(), "--difficulty", "99")
	assert.Error(t, err)
}

func TestMineThenVerify(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "keygen", "--data-dir", dir)
	require.NoError(t, err)

	out, err := execute(t, "mine", "--data-dir", dir, "--difficulty", "1", "--workers", "2", "--log-level", "error")
	require.NoError(t, err)

	fields := regexp.MustCompile(`ID: ([0-9a-f]+)\nHeight: (\d+)\nNonce: (-?\d+)`).FindStringSubmatch(out)
	require.Len(t, fields, 4, out)

	out, err = execute(t, "verify", "--difficulty", "1",
		"--id", fields[1], "--height", fields[2], "--nonce", fields[3])
	require.NoError(t, err)
	assert.Contains(t, out, "Valid")

	_, err = execute(t, "verify", "--difficulty", "16",
		"--id", fields[1], "--height", fields[2], "--nonce", fields[3])
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Listen = "127.0.0.1:0"
	cfg.Difficulty = 1
	cfg.Workers = 2

	ident, err := identity.GenerateIdentity()
	require.NoError(t, err)
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	logger := logrus.NewEntry(quiet)

	n, err := node.New(cfg, ident, logger)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Start(ctx))
	defer n.Stop(context.Background())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go control.NewServer(n, logger).Serve(ctx, listener)

	out, err := execute(t, "status", "--control", listener.Addr().String(), "--peers")
	require.NoError(t, err)
	assert.Contains(t, out, "ID: "+ident.ID().String())
	assert.Contains(t, out, "State: running")
	assert.Contains(t, out, "Peers: 0")
	assert.Contains(t, out, "Seed file: "+cfg.SeedPath())
}

func TestStatusUnavailable(t *testing.T) {
	_, err := execute(t, "status", "--control", "")
	assert.Error(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, err = execute(t, "status", "--control", addr)
	assert.Error(t, err)
}
