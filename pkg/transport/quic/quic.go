// Package quic carries DHT envelopes over QUIC. Each request opens one
// bidirectional stream on a cached connection to the peer: the client
// writes one frame and closes its side, the server answers with one frame.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/constants"
	"github.com/WebFirstLanguage/powdht/pkg/transport"
	"github.com/WebFirstLanguage/powdht/pkg/wire"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// Stream error codes sent when a request is dropped
const (
	streamErrorMalformed quic.StreamErrorCode = 1
	streamErrorRefused   quic.StreamErrorCode = 2
)

// Transport sends and serves envelopes over QUIC
type Transport struct {
	config   *transport.Config
	tlsConf  *tls.Config
	quicConf *quic.Config
	handler  transport.Handler
	logger   *logrus.Entry
	listener *quic.Listener

	mu     sync.Mutex
	conns  map[string]*quic.Conn // Outbound connections by address
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a QUIC transport. handler may be nil for a client-only transport.
func New(config *transport.Config, handler transport.Handler, logger *logrus.Entry) (*Transport, error) {
	defaults := transport.DefaultConfig()
	if config == nil {
		config = defaults
	}
	c := *config
	if len(c.ALPNProtocols) == 0 {
		c.ALPNProtocols = defaults.ALPNProtocols
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}

	tlsConfig := c.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = transport.SelfSignedTLS(nil, c.ALPNProtocols...)
		if err != nil {
			return nil, err
		}
	}
	tlsConfig = tlsConfig.Clone()
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = c.ALPNProtocols
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		config:  &c,
		tlsConf: tlsConfig,
		handler: handler,
		logger:  logger.WithField("component", "quic"),
		quicConf: &quic.Config{
			HandshakeIdleTimeout: c.ConnectTimeout,
			MaxIdleTimeout:       c.MaxIdleTimeout,
			KeepAlivePeriod:      c.KeepAlive,
		},
		conns:  make(map[string]*quic.Conn),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Name returns the transport name
func (t *Transport) Name() string {
	return "quic"
}

// DefaultPort returns the default QUIC port
func (t *Transport) DefaultPort() int {
	return constants.DefaultQUICPort
}

// Listen starts accepting connections on addr and serving them with the handler
func (t *Transport) Listen(addr string) error {
	if t.handler == nil {
		return fmt.Errorf("cannot listen without a handler")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if t.listener != nil {
		return fmt.Errorf("already listening on %s", t.listener.Addr())
	}

	listener, err := quic.ListenAddr(udpAddr.String(), t.tlsConf, t.quicConf)
	if err != nil {
		return fmt.Errorf("failed to create QUIC listener: %w", err)
	}
	t.listener = listener

	t.wg.Add(1)
	go t.acceptLoop(listener)

	t.logger.WithField("addr", listener.Addr().String()).Info("Listening")
	return nil
}

// Addr returns the listener's address, or nil before Listen
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Send performs one request/response exchange with the peer at addr
func (t *Transport) Send(ctx context.Context, addr string, env *wire.Envelope) (*wire.Envelope, error) {
	conn, err := t.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		// The cached connection may have died since the last exchange
		t.forget(addr, conn)
		if conn, err = t.dial(ctx, addr); err != nil {
			return nil, err
		}
		if stream, err = conn.OpenStreamSync(ctx); err != nil {
			t.forget(addr, conn)
			return nil, fmt.Errorf("failed to open stream to %s: %w", addr, err)
		}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.config.RequestTimeout)
	}
	_ = stream.SetDeadline(deadline)

	if err := wire.WriteFrame(stream, env); err != nil {
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("failed to close request stream: %w", err)
	}

	reply, err := wire.ReadFrame(stream)
	if err != nil {
		stream.CancelRead(0)
		return nil, fmt.Errorf("no reply from %s: %w", addr, err)
	}
	return reply, nil
}

// Connections returns the number of cached outbound connections
func (t *Transport) Connections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Close stops the listener and closes every connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]*quic.Conn)
	listener := t.listener
	t.mu.Unlock()

	t.cancel()
	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, c := range conns {
		_ = c.CloseWithError(0, "shutdown")
	}
	t.wg.Wait()
	return err
}

func (t *Transport) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if c, ok := t.conns[addr]; ok && c.Context().Err() == nil {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	conn, err := quic.DialAddr(ctx, addr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = conn.CloseWithError(0, "shutdown")
		return nil, transport.ErrClosed
	}
	// Another exchange may have dialled concurrently
	if existing, ok := t.conns[addr]; ok && existing.Context().Err() == nil {
		_ = conn.CloseWithError(0, "duplicate")
		return existing, nil
	}
	t.conns[addr] = conn
	return conn, nil
}

func (t *Transport) forget(addr string, conn *quic.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[addr] == conn {
		delete(t.conns, addr)
	}
	_ = conn.CloseWithError(0, "stale")
}

func (t *Transport) acceptLoop(listener *quic.Listener) {
	defer t.wg.Done()

	for {
		conn, err := listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil && !errors.Is(err, quic.ErrServerClosed) {
				t.logger.WithError(err).Warn("Accept failed")
			}
			return
		}

		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

func (t *Transport) serveConn(conn *quic.Conn) {
	defer t.wg.Done()
	defer conn.CloseWithError(0, "")

	for {
		stream, err := conn.AcceptStream(t.ctx)
		if err != nil {
			return
		}

		t.wg.Add(1)
		go t.serveStream(conn, stream)
	}
}

func (t *Transport) serveStream(conn *quic.Conn, stream *quic.Stream) {
	defer t.wg.Done()

	_ = stream.SetDeadline(time.Now().Add(t.config.RequestTimeout))

	req, err := wire.ReadFrame(stream)
	if err != nil {
		t.drop(conn, stream, streamErrorMalformed, err)
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.config.RequestTimeout)
	defer cancel()

	reply, err := t.handler.HandleEnvelope(ctx, req)
	if err != nil || reply == nil {
		t.drop(conn, stream, streamErrorRefused, err)
		return
	}

	if err := wire.WriteFrame(stream, reply); err != nil {
		t.drop(conn, stream, streamErrorRefused, err)
		return
	}
	_ = stream.Close()
}

func (t *Transport) drop(conn *quic.Conn, stream *quic.Stream, code quic.StreamErrorCode, err error) {
	stream.CancelRead(code)
	stream.CancelWrite(code)
	t.logger.WithFields(logrus.Fields{
		"remote": conn.RemoteAddr().String(),
		"error":  err,
	}).Debug("Request dropped")
}
