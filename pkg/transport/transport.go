// Package transport provides the request/response abstractions DHT
// envelopes travel over. Authentication lives in the signed messages, so
// transport TLS only provides confidentiality and ALPN negotiation.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/wire"
)

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("transport closed")

// Handler serves one inbound request. Returning an error drops the request
// without a reply.
type Handler interface {
	HandleEnvelope(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error)

// HandleEnvelope calls f(ctx, env)
func (f HandlerFunc) HandleEnvelope(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	return f(ctx, env)
}

// Config holds transport configuration
type Config struct {
	// TLS configuration; a self-signed certificate is generated when nil
	TLSConfig *tls.Config

	// ALPN protocols to negotiate
	ALPNProtocols []string

	// Connection timeout
	ConnectTimeout time.Duration

	// Keep-alive settings
	KeepAlive time.Duration

	// Maximum idle timeout
	MaxIdleTimeout time.Duration

	// Deadline for one exchange when the caller's context has none
	RequestTimeout time.Duration
}

// DefaultConfig returns a default transport configuration
func DefaultConfig() *Config {
	return &Config{
		ALPNProtocols:  []string{constants.ALPN},
		ConnectTimeout: 30 * time.Second,
		KeepAlive:      30 * time.Second,
		MaxIdleTimeout: 5 * time.Minute,
		RequestTimeout: constants.RequestTimeout,
	}
}

// SelfSignedTLS returns a TLS 1.3 configuration with a certificate made from
// the identity's Ed25519 key. Peer certificates are not verified.
func SelfSignedTLS(ident *identity.Identity, alpn ...string) (*tls.Config, error) {
	var pub ed25519.PublicKey
	var priv ed25519.PrivateKey
	if ident != nil {
		pub, priv = ident.SigningPublicKey, ident.SigningPrivateKey
	} else {
		var err error
		if pub, priv, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, fmt.Errorf("failed to generate TLS key: %w", err)
		}
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate serial: %w", err)
	}

	name := "powdht"
	if ident != nil {
		name = ident.ID().Short()
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	if len(alpn) == 0 {
		alpn = []string{constants.ALPN}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		}},
		NextProtos:         alpn,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
	}, nil
}
