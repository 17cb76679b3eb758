package dht

import (
	"fmt"
	"sort"

	"github.com/WebFirstLanguage/powdht/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/pow"
	"github.com/WebFirstLanguage/powdht/pkg/wire"
)

// InvariantViolation reports a message that must never be constructed.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Reason
}

// Message is a signed DHT protocol message
type Message interface {
	Kind() uint16
	SenderRecord() *PeerRecord
	Sign(ident *identity.Identity) error
	Verify() error
}

// Ping asserts liveness and offers the sender's current record.
type Ping struct {
	IsReply bool        `cbor:"reply"`
	Sender  *PeerRecord `cbor:"sender"`
	Sig     []byte      `cbor:"sig"`
}

type pingBody struct {
	IsReply bool        `cbor:"reply"`
	Sender  *PeerRecord `cbor:"sender"`
}

// NewPing creates an unsigned ping request or reply
func NewPing(sender *PeerRecord, isReply bool) *Ping {
	return &Ping{IsReply: isReply, Sender: sender}
}

// Kind returns the wire discriminant
func (p *Ping) Kind() uint16 {
	if p.IsReply {
		return constants.KindPingReply
	}
	return constants.KindPing
}

// SenderRecord returns the embedded sender record
func (p *Ping) SenderRecord() *PeerRecord {
	return p.Sender
}

func (p *Ping) signingBytes() ([]byte, error) {
	return cborcanon.SigningBytes(p.Kind(), &pingBody{IsReply: p.IsReply, Sender: p.Sender})
}

// Sign signs the message with the sender's key
func (p *Ping) Sign(ident *identity.Identity) error {
	return signMessage(p, ident, p.signingBytes, &p.Sig)
}

// Verify checks the sender record and the message signature
func (p *Ping) Verify() error {
	return verifyMessage(p, p.signingBytes, p.Sig)
}

// FindNode asks for, or supplies, the peers nearest to Target.
type FindNode struct {
	IsReply bool          `cbor:"reply"`
	Sender  *PeerRecord   `cbor:"sender"`
	Target  identity.ID   `cbor:"target"`
	Peers   []*PeerRecord `cbor:"peers"`
	Sig     []byte        `cbor:"sig"`
}

type findNodeBody struct {
	IsReply bool          `cbor:"reply"`
	Sender  *PeerRecord   `cbor:"sender"`
	Target  identity.ID   `cbor:"target"`
	Peers   []*PeerRecord `cbor:"peers"`
}

// NewFindNodeRequest creates an unsigned FindNode request
func NewFindNodeRequest(sender *PeerRecord, target identity.ID) *FindNode {
	return &FindNode{Sender: sender, Target: target, Peers: []*PeerRecord{}}
}

// NewFindNodeReply creates an unsigned FindNode reply with peers ordered by
// distance to target. More than constants.FanOut peers is an
// *InvariantViolation.
func NewFindNodeReply(sender *PeerRecord, target identity.ID, peers []*PeerRecord) (*FindNode, error) {
	if len(peers) > constants.FanOut {
		return nil, &InvariantViolation{
			Reason: fmt.Sprintf("FindNode reply with %d peers exceeds fan-out %d", len(peers), constants.FanOut),
		}
	}

	sorted := make([]*PeerRecord, len(peers))
	copy(sorted, peers)
	sortByDistance(sorted, target)

	return &FindNode{IsReply: true, Sender: sender, Target: target, Peers: sorted}, nil
}

// MustFindNodeReply is like NewFindNodeReply but panics on an invariant violation.
func MustFindNodeReply(sender *PeerRecord, target identity.ID, peers []*PeerRecord) *FindNode {
	m, err := NewFindNodeReply(sender, target, peers)
	if err != nil {
		panic(err)
	}
	return m
}

// Kind returns the wire discriminant
func (f *FindNode) Kind() uint16 {
	if f.IsReply {
		return constants.KindFindNodeReply
	}
	return constants.KindFindNode
}

// SenderRecord returns the embedded sender record
func (f *FindNode) SenderRecord() *PeerRecord {
	return f.Sender
}

func (f *FindNode) signingBytes() ([]byte, error) {
	return cborcanon.SigningBytes(f.Kind(), &findNodeBody{
		IsReply: f.IsReply,
		Sender:  f.Sender,
		Target:  f.Target,
		Peers:   f.Peers,
	})
}

// Sign signs the message with the sender's key
func (f *FindNode) Sign(ident *identity.Identity) error {
	return signMessage(f, ident, f.signingBytes, &f.Sig)
}

// Verify checks the sender record, the message signature and the reply bound
func (f *FindNode) Verify() error {
	if f.Sender == nil {
		return &pow.VerificationFailure{Reason: "missing sender record"}
	}
	if len(f.Peers) > constants.FanOut {
		return &pow.VerificationFailure{
			Height: f.Sender.SeedHeight,
			Reason: fmt.Sprintf("reply carries %d peers", len(f.Peers)),
		}
	}
	if !f.IsReply && len(f.Peers) > 0 {
		return &pow.VerificationFailure{Height: f.Sender.SeedHeight, Reason: "request carries peers"}
	}
	return verifyMessage(f, f.signingBytes, f.Sig)
}

func signMessage(m Message, ident *identity.Identity, encode func() ([]byte, error), sig *[]byte) error {
	sender := m.SenderRecord()
	if sender == nil {
		return fmt.Errorf("message has no sender record")
	}
	if sender.ID != ident.ID() {
		return fmt.Errorf("sender record %s does not belong to signing identity %s",
			sender.ID.Short(), ident.ID().Short())
	}
	data, err := encode()
	if err != nil {
		return err
	}
	*sig = ident.Sign(data)
	return nil
}

func verifyMessage(m Message, encode func() ([]byte, error), sig []byte) error {
	sender := m.SenderRecord()
	if sender == nil {
		return &pow.VerificationFailure{Reason: "missing sender record"}
	}
	if err := sender.IsValid(); err != nil {
		return &pow.VerificationFailure{Height: sender.SeedHeight, Reason: err.Error()}
	}
	if err := sender.VerifySignature(); err != nil {
		return err
	}
	data, err := encode()
	if err != nil {
		return err
	}
	if !identity.Verify(sender.PublicKey, data, sig) {
		return &pow.VerificationFailure{Height: sender.SeedHeight, Reason: "invalid message signature"}
	}
	return nil
}

// ToEnvelope wraps a signed message for the wire
func ToEnvelope(m Message) (*wire.Envelope, error) {
	return wire.NewEnvelope(m.Kind(), m)
}

// DecodeMessage decodes an envelope into its message. The body's IsReply
// must agree with the envelope kind. Signatures are not checked here.
func DecodeMessage(env *wire.Envelope) (Message, error) {
	var m Message
	switch env.Kind {
	case constants.KindPing, constants.KindPingReply:
		var p Ping
		if err := env.DecodeBody(&p); err != nil {
			return nil, err
		}
		m = &p
	case constants.KindFindNode, constants.KindFindNodeReply:
		var f FindNode
		if err := env.DecodeBody(&f); err != nil {
			return nil, err
		}
		m = &f
	default:
		return nil, wire.ErrUnknownKind(env.Kind)
	}

	if m.Kind() != env.Kind {
		return nil, wire.NewError(constants.ErrorMalformed,
			fmt.Sprintf("body of %s disagrees with envelope kind %s", wire.KindName(m.Kind()), wire.KindName(env.Kind)))
	}
	if m.SenderRecord() == nil {
		return nil, wire.NewError(constants.ErrorMalformed, "missing sender record")
	}
	return m, nil
}

// sortByDistance orders records by XOR distance to target, ties by ID
func sortByDistance(records []*PeerRecord, target identity.ID) {
	sort.SliceStable(records, func(i, j int) bool {
		return identity.Closer(target, records[i].ID, records[j].ID)
	})
}
