package dht

import (
	"errors"
	"testing"

	"github.com/WebFirstLanguage/powdht/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/pow"
	"github.com/WebFirstLanguage/powdht/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerRecordSignAndVerify(t *testing.T) {
	store := testStore(t, 3)
	ident := testIdentity(t, 1)
	record := testRecord(t, ident, store, 2)

	require.NoError(t, record.IsValid())
	require.NoError(t, record.VerifySignature())
	assert.Equal(t, ident.ID(), record.ID)
	assert.Equal(t, pow.ProofRecord{SeedHeight: 2, Nonce: record.Nonce, Owner: ident.ID()}, record.Proof())

	data, err := cborcanon.Marshal(record)
	require.NoError(t, err)
	var decoded PeerRecord
	require.NoError(t, cborcanon.Unmarshal(data, &decoded))
	require.NoError(t, decoded.VerifySignature())
	assert.Equal(t, record.Addr, decoded.Addr)
}

func TestPeerRecordRejectsForeignProof(t *testing.T) {
	store := testStore(t, 1)
	proof := mineProof(t, store, testIdentity(t, 2).ID(), 1)

	_, err := NewPeerRecord(testIdentity(t, 1), "a:1", proof)
	assert.Error(t, err)
}

func TestPeerRecordTampering(t *testing.T) {
	store := testStore(t, 1)
	ident := testIdentity(t, 1)
	other := testIdentity(t, 2)

	tests := []struct {
		name   string
		mutate func(r *PeerRecord)
	}{
		{"address", func(r *PeerRecord) { r.Addr = "evil:1" }},
		{"nonce", func(r *PeerRecord) { r.Nonce++ }},
		{"height", func(r *PeerRecord) { r.SeedHeight = 0 }},
		{"key swap", func(r *PeerRecord) { r.PublicKey = other.SigningPublicKey }},
		{"id swap", func(r *PeerRecord) { r.ID = other.ID() }},
		{"short key", func(r *PeerRecord) { r.PublicKey = r.PublicKey[:8] }},
		{"signature", func(r *PeerRecord) { r.Sig[0] ^= 0xff }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := testRecord(t, ident, store, 1)
			tt.mutate(record)
			err := record.VerifySignature()
			require.Error(t, err)
			assert.ErrorIs(t, err, pow.ErrVerificationFailed)
		})
	}
}

func TestPeerRecordIsValid(t *testing.T) {
	store := testStore(t, 1)
	record := testRecord(t, testIdentity(t, 1), store, 1)

	noAddr := record.Copy()
	noAddr.Addr = ""
	assert.Error(t, noAddr.IsValid())

	badVersion := record.Copy()
	badVersion.V = 2
	assert.Error(t, badVersion.IsValid())

	unsigned := record.Copy()
	unsigned.Sig = nil
	assert.Error(t, unsigned.IsValid())
}

func TestPeerRecordCopyIsDeep(t *testing.T) {
	store := testStore(t, 1)
	record := testRecord(t, testIdentity(t, 1), store, 1)

	c := record.Copy()
	c.Sig[0] ^= 0xff
	c.PublicKey[0] ^= 0xff
	require.NoError(t, record.VerifySignature())
}

func TestPingSignVerify(t *testing.T) {
	store := testStore(t, 1)
	ident := testIdentity(t, 1)
	ping := NewPing(testRecord(t, ident, store, 1), false)

	require.NoError(t, ping.Sign(ident))
	require.NoError(t, ping.Verify())
	assert.Equal(t, uint16(constants.KindPing), ping.Kind())

	// Flipping the reply flag changes the signed domain
	ping.IsReply = true
	assert.ErrorIs(t, ping.Verify(), pow.ErrVerificationFailed)
}

func TestPingSignRequiresOwner(t *testing.T) {
	store := testStore(t, 1)
	ping := NewPing(testRecord(t, testIdentity(t, 1), store, 1), false)
	assert.Error(t, ping.Sign(testIdentity(t, 2)))
}

func TestFindNodeReplyBound(t *testing.T) {
	store := testStore(t, 1)
	ident := testIdentity(t, 1)
	sender := testRecord(t, ident, store, 1)
	target := testIdentity(t, 9).ID()

	peers := make([]*PeerRecord, 0, constants.FanOut+1)
	for i := 0; i <= constants.FanOut; i++ {
		peers = append(peers, testRecord(t, testIdentity(t, byte(20+i)), store, 1))
	}

	exact, err := NewFindNodeReply(sender, target, peers[:constants.FanOut])
	require.NoError(t, err)
	assert.Len(t, exact.Peers, constants.FanOut)

	_, err = NewFindNodeReply(sender, target, peers)
	var violation *InvariantViolation
	require.ErrorAs(t, err, &violation)

	assert.Panics(t, func() { MustFindNodeReply(sender, target, peers) })

	// A forged oversized reply is refused on receipt
	forged := &FindNode{IsReply: true, Sender: sender, Target: target, Peers: peers}
	require.NoError(t, forged.Sign(ident))
	assert.ErrorIs(t, forged.Verify(), pow.ErrVerificationFailed)

	// So is one without a sender, however many peers it carries
	orphan := &FindNode{IsReply: true, Target: target, Peers: peers}
	assert.NotPanics(t, func() {
		assert.ErrorIs(t, orphan.Verify(), pow.ErrVerificationFailed)
	})
}

func TestFindNodeReplyOrdering(t *testing.T) {
	store := testStore(t, 1)
	ident := testIdentity(t, 1)
	target := testIdentity(t, 9).ID()

	var peers []*PeerRecord
	for i := 0; i < 8; i++ {
		peers = append(peers, testRecord(t, testIdentity(t, byte(30+i)), store, 1))
	}

	reply, err := NewFindNodeReply(testRecord(t, ident, store, 1), target, peers)
	require.NoError(t, err)
	for i := 1; i < len(reply.Peers); i++ {
		assert.True(t, identity.Closer(target, reply.Peers[i-1].ID, reply.Peers[i].ID))
	}
	// Input order is left alone
	assert.Equal(t, peers[0].ID, testIdentity(t, 30).ID())
}

func TestFindNodeRequestCarriesNoPeers(t *testing.T) {
	store := testStore(t, 1)
	ident := testIdentity(t, 1)
	req := NewFindNodeRequest(testRecord(t, ident, store, 1), testIdentity(t, 9).ID())
	req.Peers = []*PeerRecord{testRecord(t, testIdentity(t, 3), store, 1)}
	require.NoError(t, req.Sign(ident))
	assert.Error(t, req.Verify())
}

func TestMessageEnvelopeRoundTrip(t *testing.T) {
	store := testStore(t, 1)
	ident := testIdentity(t, 1)
	sender := testRecord(t, ident, store, 1)

	reply := MustFindNodeReply(sender, testIdentity(t, 9).ID(), []*PeerRecord{testRecord(t, testIdentity(t, 4), store, 1)})
	require.NoError(t, reply.Sign(ident))

	env, err := ToEnvelope(reply)
	require.NoError(t, err)
	assert.Equal(t, uint16(constants.KindFindNodeReply), env.Kind)

	data, err := env.Marshal()
	require.NoError(t, err)
	var decodedEnv wire.Envelope
	require.NoError(t, decodedEnv.Unmarshal(data))

	msg, err := DecodeMessage(&decodedEnv)
	require.NoError(t, err)
	require.NoError(t, msg.Verify())
	decoded, ok := msg.(*FindNode)
	require.True(t, ok)
	assert.Equal(t, reply.Target, decoded.Target)
	require.Len(t, decoded.Peers, 1)
	assert.Equal(t, reply.Peers[0].ID, decoded.Peers[0].ID)
}

func TestDecodeMessageKindMismatch(t *testing.T) {
	store := testStore(t, 1)
	ident := testIdentity(t, 1)
	ping := NewPing(testRecord(t, ident, store, 1), true)
	require.NoError(t, ping.Sign(ident))

	env, err := wire.NewEnvelope(constants.KindPing, ping)
	require.NoError(t, err)

	_, err = DecodeMessage(env)
	var wireErr *wire.Error
	require.True(t, errors.As(err, &wireErr))
	assert.Equal(t, uint16(constants.ErrorMalformed), wireErr.Code)
}

func TestDecodeMessageUnknownKind(t *testing.T) {
	env, err := wire.NewEnvelope(99, map[string]int{"x": 1})
	require.NoError(t, err)
	_, err = DecodeMessage(env)
	assert.Error(t, err)
}
