package txn

import (
	"context"

	"go.uber.org/zap"

	"github.com/apstndb/spanner-txcore/session"
	"github.com/apstndb/spanner-txcore/transport"
	"github.com/apstndb/spanner-txcore/wire"
)

// Client creates transactions on sessions leased from a pool.
// Each transaction returns its session to the pool when it ends.
type Client struct {
	tr   transport.Transport
	pool *session.Pool
	cfg  Config
}

// NewClient returns a client over pool. The caller keeps ownership of tr and pool.
func NewClient(tr transport.Transport, pool *session.Pool, cfg Config) *Client {
	return &Client{tr: tr, pool: pool, cfg: cfg}
}

// release arranges for st to give its session back to the pool when it ends.
// A session the server reported as missing is discarded instead.
func (c *Client) release(st *state) {
	st.addOnEnd(func() {
		st.mu.Lock()
		notFound := st.sessionNotFound
		st.mu.Unlock()
		if notFound {
			c.cfg.logger().Debug("discarding session", zap.String("session", st.session.Name))
			c.pool.Discard(context.Background(), st.session)
			return
		}
		c.pool.Recycle(st.session)
	})
}

// Single returns a single-use snapshot. It ends when its stream finishes.
func (c *Client) Single(ctx context.Context, bound wire.TimestampBound) (*Snapshot, error) {
	s, err := c.pool.Take(ctx, false)
	if err != nil {
		return nil, err
	}
	snapshot := NewSingleUseSnapshot(c.tr, s, ReadOnlyOptions{Bound: bound}, c.cfg)
	c.release(snapshot.st)
	return snapshot, nil
}

// ReadOnlyTransaction returns a begun multi-use snapshot. The caller must End it.
func (c *Client) ReadOnlyTransaction(ctx context.Context, opts ReadOnlyOptions) (*Snapshot, error) {
	s, err := c.pool.Take(ctx, false)
	if err != nil {
		return nil, err
	}
	snapshot := NewSnapshot(c.tr, s, opts, c.cfg)
	c.release(snapshot.st)
	if err := snapshot.Begin(ctx); err != nil {
		snapshot.End()
		return nil, err
	}
	return snapshot, nil
}

// ReadWriteTransaction returns a read-write transaction. It ends on Commit or
// on a Rollback after it has begun; otherwise the caller must End it.
func (c *Client) ReadWriteTransaction(ctx context.Context, opts ReadWriteOptions) (*Transaction, error) {
	s, err := c.pool.Take(ctx, true)
	if err != nil {
		return nil, err
	}
	t := NewTransaction(c.tr, s, opts, c.cfg)
	c.release(t.st)
	return t, nil
}

// PartitionedDML returns a partitioned DML transaction. It ends after RunUpdate.
func (c *Client) PartitionedDML(ctx context.Context, opts PartitionedDMLOptions) (*PartitionedDML, error) {
	s, err := c.pool.Take(ctx, true)
	if err != nil {
		return nil, err
	}
	t := NewPartitionedDML(c.tr, s, opts, c.cfg)
	c.release(t.st)
	return t, nil
}

// PartitionedUpdate executes stmt as partitioned DML and returns a lower bound of the affected rows.
func (c *Client) PartitionedUpdate(ctx context.Context, stmt Statement, opts PartitionedDMLOptions) (int64, error) {
	t, err := c.PartitionedDML(ctx, opts)
	if err != nil {
		return 0, err
	}
	return t.RunUpdate(ctx, stmt)
}
