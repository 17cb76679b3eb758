package pow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/fixedhash"
	"github.com/WebFirstLanguage/powdht/pkg/identity"
	"github.com/WebFirstLanguage/powdht/pkg/workerpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ctxCheckInterval is how many hashes a worker computes between polls of the
// pool context and updates of the hash counters. The stop flag is still
// checked before every hash.
const ctxCheckInterval = 4096

// Pool runs mining workers.
type Pool interface {
	Submit(task workerpool.Task) (*workerpool.Handle, error)
	Size() int
}

// EngineConfig holds engine configuration
type EngineConfig struct {
	Identity  *identity.Identity
	Seeds     SeedSource
	Pool      Pool
	Algorithm Algorithm
	Target    fixedhash.Hash
	Range     *NonceRange // Nonces to search (default: FullRange)
	Logger    *logrus.Entry
}

// Engine mines and caches the local identity's proofs, one per seed height.
type Engine struct {
	ident  *identity.Identity
	id     identity.ID
	seeds  SeedSource
	pool   Pool
	alg    Algorithm
	target fixedhash.Hash
	rng    NonceRange
	logger *logrus.Entry

	mu     sync.RWMutex
	tokens map[uint64]ProofRecord

	flights  singleflight.Group
	flightMu sync.Mutex
	waiting  map[uint64]*flight
	hashes   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// flight tracks the callers waiting on one height's search. The search is
// cancelled when the last of them leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	joiners int
}

// NewEngine creates an engine for config.Identity
func NewEngine(config *EngineConfig) (*Engine, error) {
	if config == nil || config.Identity == nil {
		return nil, fmt.Errorf("engine requires an identity")
	}
	if config.Seeds == nil {
		return nil, fmt.Errorf("engine requires a seed source")
	}
	if config.Pool == nil {
		return nil, fmt.Errorf("engine requires a worker pool")
	}

	alg, err := ParseAlgorithm(string(config.Algorithm))
	if err != nil {
		return nil, err
	}

	rng := FullRange
	if config.Range != nil {
		rng = *config.Range
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		ident:  config.Identity,
		id:     config.Identity.ID(),
		seeds:  config.Seeds,
		pool:   config.Pool,
		alg:    alg,
		target: config.Target,
		rng:    rng,
		logger: logger.WithField("component", "pow"),
		tokens:  make(map[uint64]ProofRecord),
		waiting: make(map[uint64]*flight),
		ctx:     ctx,
		cancel: cancel,
	}, nil
}

// Identity returns the identity proofs are mined for
func (e *Engine) Identity() *identity.Identity {
	return e.ident
}

// Target returns the difficulty mask
func (e *Engine) Target() fixedhash.Hash {
	return e.target
}

// HashesComputed returns the total number of digests computed so far.
func (e *Engine) HashesComputed() uint64 {
	return e.hashes.Load()
}

// GetToken returns the cached proof for height without blocking.
func (e *Engine) GetToken(height uint64) (ProofRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.tokens[height]
	return p, ok
}

// BlockingGetToken returns the proof for height, mining it if necessary.
// Concurrent calls for the same height share one search. If ctx ends first
// the caller gets a *MiningUnavailableError; the search continues while
// other callers still wait on it and is stopped once none are left.
func (e *Engine) BlockingGetToken(ctx context.Context, height uint64) (ProofRecord, error) {
	if p, ok := e.GetToken(height); ok {
		return p, nil
	}
	if e.ctx.Err() != nil {
		return ProofRecord{}, &MiningUnavailableError{Height: height, Cause: ErrEngineClosed}
	}

	ch := e.join(height)
	defer e.leave(height)

	select {
	case res := <-ch:
		if res.Err != nil {
			return ProofRecord{}, res.Err
		}
		return res.Val.(ProofRecord), nil
	case <-ctx.Done():
		return ProofRecord{}, &MiningUnavailableError{Height: height, Cause: ctx.Err()}
	}
}

// join registers the caller on height's flight and returns the channel its
// result is delivered on. Every DoChan for a key happens under flightMu while
// the flight exists, so the flight and the singleflight call stay paired.
func (e *Engine) join(height uint64) <-chan singleflight.Result {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()

	f, ok := e.waiting[height]
	if !ok {
		ctx, cancel := context.WithCancel(e.ctx)
		f = &flight{ctx: ctx, cancel: cancel}
		e.waiting[height] = f
	}
	f.joiners++
	return e.flights.DoChan(flightKey(height), func() (any, error) {
		return e.mine(f.ctx, height)
	})
}

// leave drops the caller from height's flight, stopping the search when it
// was the last one.
func (e *Engine) leave(height uint64) {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()

	f, ok := e.waiting[height]
	if !ok {
		return
	}
	f.joiners--
	if f.joiners > 0 {
		return
	}
	f.cancel()
	e.flights.Forget(flightKey(height))
	delete(e.waiting, height)
}

// joiners returns how many callers wait on height's search.
func (e *Engine) joiners(height uint64) int {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	if f, ok := e.waiting[height]; ok {
		return f.joiners
	}
	return 0
}

func flightKey(height uint64) string {
	return strconv.FormatUint(height, 10)
}

// Prune drops cached proofs for heights below the given height and returns
// how many were removed.
func (e *Engine) Prune(below uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for height := range e.tokens {
		if height < below {
			delete(e.tokens, height)
			removed++
		}
	}
	return removed
}

// Close stops in-flight searches. Cached proofs stay readable.
func (e *Engine) Close() {
	e.cancel()
}

func (e *Engine) mine(ctx context.Context, height uint64) (p ProofRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &MiningUnavailableError{
				Height: height,
				Cause:  &workerpool.PanicError{Value: r, Stack: debug.Stack()},
			}
		}
	}()

	// A caller that joined after the previous flight finished
	if p, ok := e.GetToken(height); ok {
		return p, nil
	}

	seed, err := e.seeds.HashOfBlockAtHeight(height)
	if err != nil {
		return ProofRecord{}, fmt.Errorf("failed to resolve seed for height %d: %w", height, err)
	}

	nonce, err := e.search(ctx, height, NewSeededHasher(seed, e.alg))
	if err != nil {
		return ProofRecord{}, err
	}

	p = ProofRecord{SeedHeight: height, Nonce: nonce, Owner: e.id}
	e.mu.Lock()
	if existing, ok := e.tokens[height]; ok {
		p = existing
	} else {
		e.tokens[height] = p
	}
	e.mu.Unlock()
	return p, nil
}

// search runs one worker per nonce sub-range and waits for all of them.
func (e *Engine) search(parent context.Context, height uint64, hasher *SeededHasher) (int64, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var stop atomic.Bool
	go func() {
		<-ctx.Done()
		stop.Store(true)
	}()

	var hashes atomic.Uint64
	found := make(chan int64, 1)
	parts := e.rng.Split(e.pool.Size())
	start := time.Now()

	e.logger.WithFields(logrus.Fields{
		"height":  height,
		"workers": len(parts),
		"owner":   e.id.Short(),
	}).Info("Mining started")

	handles := make([]*workerpool.Handle, 0, len(parts))
	var submitErr error
	for _, r := range parts {
		h, err := e.pool.Submit(e.worker(hasher, r, &stop, &hashes, found))
		if err != nil {
			submitErr = err
			cancel()
			break
		}
		handles = append(handles, h)
	}

	results := make(chan error, len(handles))
	for _, h := range handles {
		go func(h *workerpool.Handle) {
			err := h.Wait()
			if err != nil {
				cancel()
			}
			results <- err
		}(h)
	}

	var fault error
	for range handles {
		if err := <-results; err != nil && fault == nil {
			fault = err
		}
	}

	fields := logrus.Fields{
		"height":   height,
		"hashes":   hashes.Load(),
		"duration": time.Since(start),
	}

	select {
	case nonce := <-found:
		fields["nonce"] = nonce
		e.logger.WithFields(fields).Info("Mining finished")
		return nonce, nil
	default:
	}

	switch {
	case submitErr != nil:
		fault = submitErr
	case fault != nil:
	case e.ctx.Err() != nil:
		fault = ErrEngineClosed
	case parent.Err() != nil:
		fault = ErrSearchAbandoned
	default:
		e.logger.WithFields(fields).Error("Nonce range exhausted")
		return 0, fmt.Errorf("height %d over %s: %w", height, e.rng, ErrSearchExhausted)
	}

	fields["error"] = fault
	e.logger.WithFields(fields).Warn("Mining aborted")
	return 0, &MiningUnavailableError{Height: height, Cause: fault}
}

func (e *Engine) worker(hasher *SeededHasher, r NonceRange, stop *atomic.Bool, hashes *atomic.Uint64,
	found chan<- int64) workerpool.Task {
	return func(ctx context.Context) error {
		d := hasher.newDigester(e.id)
		var count, reported uint64
		report := func() {
			n := count - reported
			reported = count
			hashes.Add(n)
			e.hashes.Add(n)
		}
		defer report()

		nonce := r.First
		for {
			if stop.Load() {
				return nil
			}
			if count%ctxCheckInterval == 0 {
				report()
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}

			count++
			if Satisfies(d.digest(nonce), e.target) {
				if stop.CompareAndSwap(false, true) {
					found <- nonce
				}
				return nil
			}
			if nonce == r.Last {
				return nil
			}
			nonce++
		}
	}
}

// IsUnavailable reports whether err means mining could not complete.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrMiningUnavailable)
}
