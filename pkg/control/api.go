// Package control implements the local control API: newline-delimited JSON
// requests over a stream socket, answered by the running node.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/WebFirstLanguage/powdht/internal/dht"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/node"
	"github.com/sirupsen/logrus"
)

// Request represents a control API request
type Request struct {
	Method string         `json:"method"`
	ID     string         `json:"id"`
	Params map[string]any `json:"params,omitempty"`
}

// Response represents a control API response
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Info is the result of the "info" method
type Info struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Addr       string `json:"addr,omitempty"`
	SeedHeight uint64 `json:"seed_height"`
	Head       uint64 `json:"head"`
	Peers      int    `json:"peers"`
	SeedFile   string `json:"seed_file,omitempty"`
}

// Peer describes one routed or returned PeerRecord
type Peer struct {
	ID         string `json:"id"`
	Addr       string `json:"addr"`
	SeedHeight uint64 `json:"seed_height"`
}

// Seed is one bootstrap seed
type Seed struct {
	Addr string `json:"addr"`
	Name string `json:"name,omitempty"`
}

// Server implements the control API server
type Server struct {
	node   *node.Node
	logger *logrus.Entry

	callTimeout time.Duration

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a new control API server for n
func NewServer(n *node.Node, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		node:        n,
		logger:      logger.WithField("component", "control"),
		callTimeout: 30 * time.Second,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on listener until ctx is cancelled
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
		s.mu.Lock()
		s.closed = true
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
	}()

	s.logger.WithField("addr", listener.Addr().String()).Info("Control API listening")
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return ctx.Err()
			}
			return fmt.Errorf("control accept failed: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var request Request
		if err := decoder.Decode(&request); err != nil {
			return
		}

		response := s.handleRequest(ctx, request)
		if err := encoder.Encode(response); err != nil {
			return
		}
	}
}

// handleRequest processes a single API request
func (s *Server) handleRequest(ctx context.Context, request Request) Response {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	var (
		result any
		err    error
	)
	switch request.Method {
	case "info":
		result = s.info()
	case "peers":
		result, err = s.peers()
	case "seeds.list":
		result, err = s.seedsList()
	case "seeds.add":
		result, err = s.seedsAdd(request.Params)
	case "ping":
		result, err = s.ping(ctx, request.Params)
	case "lookup":
		result, err = s.lookup(ctx, request.Params)
	default:
		err = fmt.Errorf("unknown method: %s", request.Method)
	}

	response := Response{ID: request.ID}
	if err == nil {
		response.Result, err = json.Marshal(result)
	}
	if err != nil {
		response.Result = nil
		response.Error = err.Error()
	}
	return response
}

func (s *Server) info() *Info {
	info := &Info{
		ID:    s.node.ID().String(),
		State: s.node.State().String(),
		Head:  s.node.Chain().Height(),
	}
	if addr := s.node.Addr(); addr != nil {
		info.Addr = addr.String()
	}
	if rec := s.node.Record(); rec != nil {
		info.SeedHeight = rec.SeedHeight
	}
	if svc := s.node.Service(); svc != nil {
		info.Peers = svc.Routing().Size()
	}
	if bootstrap := s.node.Bootstrap(); bootstrap != nil {
		info.SeedFile = bootstrap.GetSeedFile()
	}
	return info
}

func (s *Server) peers() ([]Peer, error) {
	svc := s.node.Service()
	if svc == nil {
		return nil, node.ErrNotRunning
	}
	return toPeers(svc.Peers()), nil
}

func (s *Server) seedsList() ([]Seed, error) {
	bootstrap := s.node.Bootstrap()
	if bootstrap == nil {
		return nil, node.ErrNotRunning
	}

	seedNodes := bootstrap.GetSeedNodes()
	seeds := make([]Seed, len(seedNodes))
	for i, seed := range seedNodes {
		seeds[i] = Seed{Addr: seed.Addr, Name: seed.Name}
	}
	return seeds, nil
}

func (s *Server) seedsAdd(params map[string]any) (map[string]any, error) {
	bootstrap := s.node.Bootstrap()
	if bootstrap == nil {
		return nil, node.ErrNotRunning
	}

	addr, err := stringParam(params, "addr")
	if err != nil {
		return nil, err
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("invalid addr %q: %w", addr, err)
	}
	name, _ := params["name"].(string)

	if err := bootstrap.AddSeedNode(&dht.SeedNode{Addr: addr, Name: name}); err != nil {
		return nil, fmt.Errorf("failed to add seed node: %w", err)
	}
	return map[string]any{"success": true}, nil
}

func (s *Server) ping(ctx context.Context, params map[string]any) (*Peer, error) {
	addr, err := stringParam(params, "addr")
	if err != nil {
		return nil, err
	}
	rec, err := s.node.Ping(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &toPeers([]*dht.PeerRecord{rec})[0], nil
}

func (s *Server) lookup(ctx context.Context, params map[string]any) ([]Peer, error) {
	target, err := stringParam(params, "target")
	if err != nil {
		return nil, err
	}
	id, err := identity.IDFromHex(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	records, err := s.node.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return toPeers(records), nil
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s parameter is required and must be a string", key)
	}
	return v, nil
}

func toPeers(records []*dht.PeerRecord) []Peer {
	peers := make([]Peer, len(records))
	for i, r := range records {
		peers[i] = Peer{ID: r.ID.String(), Addr: r.Addr, SeedHeight: r.SeedHeight}
	}
	return peers
}

// Client calls a control API server over one connection
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
	nextID  uint64
}

// Dial connects to the control API at addr
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to reach control API at %s: %w", addr, err)
	}
	return &Client{
		conn:    conn,
		encoder: json.NewEncoder(conn),
		decoder: json.NewDecoder(conn),
	}, nil
}

// Call invokes method and decodes its result into result, which may be nil
func (c *Client) Call(ctx context.Context, method string, params map[string]any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	c.nextID++
	request := Request{Method: method, ID: fmt.Sprint(c.nextID), Params: params}
	if err := c.encoder.Encode(request); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	var response Response
	if err := c.decoder.Decode(&response); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if response.ID != request.ID {
		return fmt.Errorf("response id %q does not match request %q", response.ID, request.ID)
	}
	if response.Error != "" {
		return errors.New(response.Error)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(response.Result, result)
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
