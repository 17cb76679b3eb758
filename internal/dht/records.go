// Package dht implements the proof-of-work gated peer table and the Ping and
// FindNode protocol that fills it.
package dht

import (
	"crypto/ed25519"
	"fmt"

	"github.com/WebFirstLanguage/powdht/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/pow"
)

// recordVersion is the PeerRecord format version
const recordVersion = 1

// domainPeerRecord separates record signatures from message signatures.
const domainPeerRecord uint16 = 0xff01

// PeerRecord is the unit of DHT membership: an identity, where to reach it,
// and the proof of work that makes it routable.
type PeerRecord struct {
	V          uint16            `cbor:"v"`    // Version (always 1)
	ID         identity.ID       `cbor:"id"`   // DeriveID(PublicKey)
	PublicKey  ed25519.PublicKey `cbor:"pk"`   // Ed25519 signing key
	Addr       string            `cbor:"addr"` // Transport address (host:port)
	SeedHeight uint64            `cbor:"h"`    // Height of the seeding block
	Nonce      int64             `cbor:"n"`    // Proof-of-work nonce
	Sig        []byte            `cbor:"sig"`  // Ed25519 signature over the fields above
}

// peerRecordBody is PeerRecord without Sig
type peerRecordBody struct {
	V          uint16            `cbor:"v"`
	ID         identity.ID       `cbor:"id"`
	PublicKey  ed25519.PublicKey `cbor:"pk"`
	Addr       string            `cbor:"addr"`
	SeedHeight uint64            `cbor:"h"`
	Nonce      int64             `cbor:"n"`
}

// NewPeerRecord creates a signed record advertising proof at addr
func NewPeerRecord(ident *identity.Identity, addr string, proof pow.ProofRecord) (*PeerRecord, error) {
	if ident == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if proof.Owner != ident.ID() {
		return nil, fmt.Errorf("proof belongs to %s, not %s", proof.Owner.Short(), ident.ID().Short())
	}

	record := &PeerRecord{
		V:          recordVersion,
		ID:         ident.ID(),
		PublicKey:  ident.SigningPublicKey,
		Addr:       addr,
		SeedHeight: proof.SeedHeight,
		Nonce:      proof.Nonce,
	}
	if err := record.Sign(ident); err != nil {
		return nil, fmt.Errorf("failed to sign peer record: %w", err)
	}
	return record, nil
}

func (r *PeerRecord) signingBytes() ([]byte, error) {
	return cborcanon.SigningBytes(domainPeerRecord, &peerRecordBody{
		V:          r.V,
		ID:         r.ID,
		PublicKey:  r.PublicKey,
		Addr:       r.Addr,
		SeedHeight: r.SeedHeight,
		Nonce:      r.Nonce,
	})
}

// Sign signs the record with ident, which must own it
func (r *PeerRecord) Sign(ident *identity.Identity) error {
	if ident.ID() != r.ID {
		return fmt.Errorf("cannot sign record of %s with key of %s", r.ID.Short(), ident.ID().Short())
	}
	data, err := r.signingBytes()
	if err != nil {
		return err
	}
	r.Sig = ident.Sign(data)
	return nil
}

// VerifySignature checks that the ID is bound to the public key and that
// the signature covers the record. It does not check the proof.
func (r *PeerRecord) VerifySignature() error {
	if len(r.PublicKey) != ed25519.PublicKeySize {
		return &pow.VerificationFailure{Height: r.SeedHeight, Reason: "invalid public key size"}
	}
	if identity.DeriveID(r.PublicKey) != r.ID {
		return &pow.VerificationFailure{Height: r.SeedHeight, Reason: "identity not derived from public key"}
	}
	data, err := r.signingBytes()
	if err != nil {
		return err
	}
	if !identity.Verify(r.PublicKey, data, r.Sig) {
		return &pow.VerificationFailure{Height: r.SeedHeight, Reason: "invalid record signature"}
	}
	return nil
}

// Proof returns the proof-of-work claim embedded in the record
func (r *PeerRecord) Proof() pow.ProofRecord {
	return pow.ProofRecord{SeedHeight: r.SeedHeight, Nonce: r.Nonce, Owner: r.ID}
}

// IsValid performs basic validation of the record
func (r *PeerRecord) IsValid() error {
	if r.V != recordVersion {
		return fmt.Errorf("invalid version: %d", r.V)
	}
	if r.ID.IsZero() {
		return fmt.Errorf("identity is required")
	}
	if r.Addr == "" {
		return fmt.Errorf("address is required")
	}
	if len(r.Sig) == 0 {
		return fmt.Errorf("signature is required")
	}
	return nil
}

// Copy returns a deep copy of the record
func (r *PeerRecord) Copy() *PeerRecord {
	c := *r
	c.PublicKey = append(ed25519.PublicKey(nil), r.PublicKey...)
	c.Sig = append([]byte(nil), r.Sig...)
	return &c
}

// String returns a string representation of the record
func (r *PeerRecord) String() string {
	return fmt.Sprintf("PeerRecord{ID: %s, Addr: %s, SeedHeight: %d}", r.ID.Short(), r.Addr, r.SeedHeight)
}
