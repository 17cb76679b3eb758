// Package wire implements the envelope every DHT message travels in. An
// envelope is the canonical CBOR map {v, kind, body}; kind is the explicit
// discriminant that tells the receiver how to decode body. Signatures live in
// the bodies, not in the envelope.
package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/WebFirstLanguage/powdht/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/fxamacker/cbor/v2"
)

// Envelope is the outer frame of every message
type Envelope struct {
	V    uint16          `cbor:"v"`    // Protocol version
	Kind uint16          `cbor:"kind"` // Message kind (1=PING, 2=PING_REPLY, 10=FIND_NODE, ...)
	Body cbor.RawMessage `cbor:"body"` // Kind-specific canonical CBOR payload
}

// NewEnvelope encodes body canonically under kind
func NewEnvelope(kind uint16, body any) (*Envelope, error) {
	data, err := cborcanon.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode body of kind %s: %w", KindName(kind), err)
	}
	return &Envelope{
		V:    constants.ProtocolVersion,
		Kind: kind,
		Body: data,
	}, nil
}

// DecodeBody decodes the payload into v
func (e *Envelope) DecodeBody(v any) error {
	if len(e.Body) == 0 {
		return NewError(constants.ErrorMalformed, "empty body")
	}
	if err := cborcanon.Unmarshal(e.Body, v); err != nil {
		return NewError(constants.ErrorMalformed, fmt.Sprintf("invalid %s body: %v", KindName(e.Kind), err))
	}
	return nil
}

// Marshal encodes the envelope to canonical CBOR
func (e *Envelope) Marshal() ([]byte, error) {
	return cborcanon.Marshal(e)
}

// Unmarshal decodes canonical CBOR data into the envelope
func (e *Envelope) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, e)
}

// Validate checks version and kind
func (e *Envelope) Validate() error {
	if e.V != constants.ProtocolVersion {
		return ErrVersionMismatch(constants.ProtocolVersion, e.V)
	}
	if !KnownKind(e.Kind) {
		return ErrUnknownKind(e.Kind)
	}
	return nil
}

// IsKind checks if the envelope is of the specified kind
func (e *Envelope) IsKind(kind uint16) bool {
	return e.Kind == kind
}

// KnownKind reports whether kind is part of the protocol
func KnownKind(kind uint16) bool {
	switch kind {
	case constants.KindError, constants.KindPing, constants.KindPingReply,
		constants.KindFindNode, constants.KindFindNodeReply:
		return true
	default:
		return false
	}
}

// KindName returns the human-readable name for a message kind
func KindName(kind uint16) string {
	switch kind {
	case constants.KindError:
		return "ERROR"
	case constants.KindPing:
		return "PING"
	case constants.KindPingReply:
		return "PING_REPLY"
	case constants.KindFindNode:
		return "FIND_NODE"
	case constants.KindFindNodeReply:
		return "FIND_NODE_REPLY"
	default:
		return fmt.Sprintf("KIND_%d", kind)
	}
}

// WriteFrame writes one envelope to w
func WriteFrame(w io.Writer, e *Envelope) error {
	if err := cborcanon.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", KindName(e.Kind), err)
	}
	return nil
}

// ReadFrame reads one envelope of at most constants.MaxFrameSize bytes from r
// and validates it.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var e Envelope
	if err := cborcanon.NewDecoder(r, constants.MaxFrameSize).Decode(&e); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, NewError(constants.ErrorMalformed, fmt.Sprintf("invalid frame: %v", err))
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
