package session

import (
	"context"
	"errors"
	"slices"
	"sync"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/apstndb/spanner-txcore/transport"
)

const (
	// DefaultMaxOpened is used when PoolConfig.MaxOpened is zero.
	DefaultMaxOpened = 100

	// maxBatchCreate is the server limit of sessions per BatchCreateSessions call.
	maxBatchCreate = 100

	batchCreateParallelism = 4
)

// ErrPoolClosed is returned by Take after Close.
var ErrPoolClosed = errors.New("session pool is closed")

// PoolConfig configures a Pool.
type PoolConfig struct {
	// MinOpened sessions are created by NewPool.
	MinOpened int

	// MaxOpened bounds the regular sessions. Take waits for a Recycle when it is reached.
	MaxOpened int

	Labels       map[string]string
	DatabaseRole string

	// Multiplexed serves read-only transactions from one shared multiplexed session.
	Multiplexed bool

	// MultiplexedReadWrite also serves read-write transactions from the multiplexed session.
	// It has no effect unless Multiplexed is set.
	MultiplexedReadWrite bool

	Logger *zap.Logger
}

// Stats is a point-in-time view of a Pool.
type Stats struct {
	Opened      int
	Idle        int
	InUse       int
	Waiters     int
	Multiplexed bool
}

// Pool leases sessions of one database.
type Pool struct {
	tr       transport.Transport
	database string
	cfg      PoolConfig
	logger   *zap.Logger

	mu      sync.Mutex
	idle    []*Session
	opened  int
	inUse   int
	waiters []chan *Session
	closed  bool

	multiplexed *Session
	muxCreating chan struct{}
}

// NewPool creates a pool and opens cfg.MinOpened sessions.
func NewPool(ctx context.Context, tr transport.Transport, database string, cfg PoolConfig) (*Pool, error) {
	if cfg.MaxOpened <= 0 {
		cfg.MaxOpened = DefaultMaxOpened
	}
	cfg.MinOpened = min(cfg.MinOpened, cfg.MaxOpened)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{tr: tr, database: database, cfg: cfg, logger: logger}
	if err := p.warmUp(ctx, cfg.MinOpened); err != nil {
		return nil, err
	}
	return p, nil
}

// Database returns the database the pool serves.
func (p *Pool) Database() string { return p.database }

// MultiplexedFor reports whether a transaction of the given kind is served by the multiplexed session.
func (p *Pool) MultiplexedFor(readWrite bool) bool {
	return p.cfg.Multiplexed && (!readWrite || p.cfg.MultiplexedReadWrite)
}

func (p *Pool) sessionTemplate(multiplexed bool) *sppb.Session {
	return &sppb.Session{
		Labels:      p.cfg.Labels,
		CreatorRole: p.cfg.DatabaseRole,
		Multiplexed: multiplexed,
	}
}

func (p *Pool) warmUp(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	var mu sync.Mutex
	var created []*Session
	wp := pool.New().WithContext(ctx).WithMaxGoroutines(batchCreateParallelism)
	for remaining := n; remaining > 0; remaining -= maxBatchCreate {
		count := min(remaining, maxBatchCreate)
		wp.Go(func(ctx context.Context) error {
			resp, err := p.tr.BatchCreateSessions(transport.WithRouteToLeader(ctx), &sppb.BatchCreateSessionsRequest{
				Database:        p.database,
				SessionTemplate: p.sessionTemplate(false),
				SessionCount:    int32(count),
			})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, s := range resp.GetSession() {
				created = append(created, FromProto(p.database, s))
			}
			return nil
		})
	}
	err := wp.Wait()

	p.logger.Debug("warmed up session pool",
		zap.String("database", p.database),
		zap.Int("requested", n),
		zap.Int("created", len(created)),
		zap.Error(err))
	if err != nil {
		// NewPool returns no pool, so the created sessions are deleted here.
		cleanup := pool.New().WithMaxGoroutines(batchCreateParallelism)
		for _, s := range created {
			cleanup.Go(func() { p.delete(context.WithoutCancel(ctx), s) })
		}
		cleanup.Wait()
		return err
	}

	p.mu.Lock()
	p.idle = append(p.idle, created...)
	p.opened += len(created)
	p.mu.Unlock()
	return nil
}

// Take leases a session for a transaction. Read-only transactions pass readWrite=false.
// The multiplexed session is returned when MultiplexedFor(readWrite) holds; it is shared and never leased.
func (p *Pool) Take(ctx context.Context, readWrite bool) (*Session, error) {
	if p.MultiplexedFor(readWrite) {
		return p.multiplexedSession(ctx)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return s, nil
	}
	if p.opened < p.cfg.MaxOpened {
		p.opened++
		p.inUse++
		p.mu.Unlock()

		s, err := p.create(ctx, false)
		if err != nil {
			p.mu.Lock()
			p.opened--
			p.inUse--
			p.mu.Unlock()
			return nil, err
		}
		return s, nil
	}

	ch := make(chan *Session, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case s, ok := <-ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return s, nil
	case <-ctx.Done():
		p.mu.Lock()
		i := slices.Index(p.waiters, ch)
		if i >= 0 {
			p.waiters = slices.Delete(p.waiters, i, i+1)
		}
		p.mu.Unlock()
		if i < 0 {
			// A session was handed over concurrently.
			if s, ok := <-ch; ok {
				p.Recycle(s)
			}
		}
		return nil, ctx.Err()
	}
}

func (p *Pool) create(ctx context.Context, multiplexed bool) (*Session, error) {
	resp, err := p.tr.CreateSession(transport.WithRouteToLeader(ctx), &sppb.CreateSessionRequest{
		Database: p.database,
		Session:  p.sessionTemplate(multiplexed),
	})
	if err != nil {
		return nil, err
	}
	s := FromProto(p.database, resp)
	s.Multiplexed = s.Multiplexed || multiplexed
	p.logger.Debug("created session", zap.Stringer("session", s))
	return s, nil
}

func (p *Pool) multiplexedSession(ctx context.Context) (*Session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.multiplexed != nil {
			s := p.multiplexed
			p.mu.Unlock()
			return s, nil
		}
		if creating := p.muxCreating; creating != nil {
			p.mu.Unlock()
			select {
			case <-creating:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		creating := make(chan struct{})
		p.muxCreating = creating
		p.mu.Unlock()

		s, err := p.create(ctx, true)

		p.mu.Lock()
		p.muxCreating = nil
		if err == nil {
			p.multiplexed = s
		}
		close(creating)
		p.mu.Unlock()
		return s, err
	}
}

// Recycle returns a leased session to the pool. Multiplexed sessions are ignored.
func (p *Pool) Recycle(s *Session) {
	if s == nil || s.Multiplexed {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.inUse--
		p.opened--
		go p.delete(context.Background(), s)
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- s
		return
	}
	p.inUse--
	p.idle = append(p.idle, s)
}

// Discard removes a leased session which the server no longer knows, freeing its slot.
func (p *Pool) Discard(ctx context.Context, s *Session) {
	if s == nil {
		return
	}
	if s.Multiplexed {
		p.mu.Lock()
		if p.multiplexed == s {
			p.multiplexed = nil
		}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.inUse--
	p.opened--
	p.mu.Unlock()

	p.delete(ctx, s)
}

func (p *Pool) delete(ctx context.Context, s *Session) {
	if err := p.tr.DeleteSession(ctx, &sppb.DeleteSessionRequest{Name: s.Name}); err != nil {
		p.logger.Debug("failed to delete session", zap.Stringer("session", s), zap.Error(err))
	}
}

// Stats returns the current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Opened:      p.opened,
		Idle:        len(p.idle),
		InUse:       p.inUse,
		Waiters:     len(p.waiters),
		Multiplexed: p.multiplexed != nil,
	}
}

// Close deletes idle regular sessions and fails pending and future Takes with ErrPoolClosed.
// The multiplexed session is left to expire on the server.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.opened -= len(idle)
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
	p.mu.Unlock()

	wp := pool.New().WithContext(ctx).WithMaxGoroutines(batchCreateParallelism)
	for _, s := range idle {
		wp.Go(func(ctx context.Context) error {
			return p.tr.DeleteSession(ctx, &sppb.DeleteSessionRequest{Name: s.Name})
		})
	}
	return wp.Wait()
}
