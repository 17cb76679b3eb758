// Package identity implements node identity management: Ed25519 key
// generation and persistence, and the DHT ID derived from the public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Identity is a node's signing key pair and the DHT ID bound to it.
type Identity struct {
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	// Cached values
	id ID
}

// GenerateIdentity creates a new identity with a fresh key pair
func GenerateIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}
	return FromPrivateKey(priv), nil
}

// FromPrivateKey builds an identity around an existing Ed25519 key.
func FromPrivateKey(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		SigningPublicKey:  pub,
		SigningPrivateKey: priv,
		id:                DeriveID(pub),
	}
}

// FromSeed deterministically builds an identity from a 32-byte seed. Used by tests.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return FromPrivateKey(ed25519.NewKeyFromSeed(seed)), nil
}

// ID returns the DHT identity derived from the signing key
func (id *Identity) ID() ID {
	if id.id.IsZero() {
		id.id = DeriveID(id.SigningPublicKey)
	}
	return id.id
}

// Sign signs data with the identity's private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.SigningPrivateKey, data)
}

// Verify checks an Ed25519 signature. Malformed keys verify as false.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// SaveToFile saves the identity to a JSON file
func (id *Identity) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	// Write to file with restricted permissions
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	return nil
}

// LoadFromFile loads an identity from a JSON file
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var loaded Identity
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	if len(loaded.SigningPrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file has invalid private key size %d", len(loaded.SigningPrivateKey))
	}

	// Public key is always recomputed from the private key
	return FromPrivateKey(loaded.SigningPrivateKey), nil
}

// LoadOrCreate loads the identity at filename, generating and saving one if absent.
func LoadOrCreate(filename string) (*Identity, bool, error) {
	if _, err := os.Stat(filename); err == nil {
		loaded, err := LoadFromFile(filename)
		return loaded, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to stat identity file: %w", err)
	}

	created, err := GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := created.SaveToFile(filename); err != nil {
		return nil, false, err
	}
	return created, true, nil
}
