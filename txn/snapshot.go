package txn

import (
	"context"
	"fmt"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"

	"github.com/apstndb/spanner-txcore/resultstream"
	"github.com/apstndb/spanner-txcore/session"
	"github.com/apstndb/spanner-txcore/transport"
	"github.com/apstndb/spanner-txcore/wire"
)

// handle is the lifecycle surface shared by every transaction kind.
type handle struct {
	st *state
}

// End ends the transaction without contacting the server. Only the first call has an effect.
func (h handle) End() { h.st.end() }

// Ended reports whether End has been called.
func (h handle) Ended() bool { return h.st.isEnded() }

// Done is closed when the transaction ends.
func (h handle) Done() <-chan struct{} { return h.st.done }

// OnEnd registers f to run once when the transaction ends. f runs immediately if it already has.
func (h handle) OnEnd(f func()) { h.st.addOnEnd(f) }

// ID returns the transaction id, or nil before one has been assigned.
func (h handle) ID() []byte { return h.st.currentID() }

// Session returns the session the transaction runs on.
func (h handle) Session() *session.Session { return h.st.session }

// Metadata returns the transaction as returned by the server.
func (h handle) Metadata() *sppb.Transaction {
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	return h.st.metadata
}

// PrecommitToken returns the retained precommit token.
func (h handle) PrecommitToken() *sppb.MultiplexedSessionPrecommitToken {
	return h.st.precommitToken()
}

// Snapshot is a read-only transaction.
//
// A snapshot that has not begun sends each request as its own single-use
// read-only transaction; call Begin for consistent reads across requests.
type Snapshot struct {
	handle
	bound wire.TimestampBound
}

// NewSnapshot returns a multi-use snapshot on s.
func NewSnapshot(tr transport.Transport, s *session.Session, opts ReadOnlyOptions, cfg Config) *Snapshot {
	st := newState(tr, s, cfg, capabilities{})
	st.readOnly = opts.encode()
	return &Snapshot{handle: handle{st}, bound: opts.Bound}
}

// NewSingleUseSnapshot returns a snapshot that ends when its first stream finishes.
func NewSingleUseSnapshot(tr transport.Transport, s *session.Session, opts ReadOnlyOptions, cfg Config) *Snapshot {
	st := newState(tr, s, cfg, capabilities{singleUse: true})
	st.readOnly = opts.encode()
	return &Snapshot{handle: handle{st}, bound: opts.Bound}
}

// Begin starts the read-only transaction. Bounds valid only for single-use
// reads are rejected.
func (t *Snapshot) Begin(ctx context.Context) error {
	if !t.st.caps.singleUse && t.bound.SingleUseOnly() {
		return fmt.Errorf("%w: %s", ErrSingleUseBound, t.bound)
	}
	return t.st.begin(ctx)
}

// ReadTimestamp returns the timestamp the snapshot reads at, once known.
func (t *Snapshot) ReadTimestamp() time.Time {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	return t.st.readTimestamp
}

// RunStream executes a query.
func (t *Snapshot) RunStream(ctx context.Context, stmt Statement) *resultstream.Stream {
	return t.st.runStream(ctx, stmt)
}

// Run executes a query and buffers its result.
func (t *Snapshot) Run(ctx context.Context, stmt Statement) (*Result, error) {
	return collect(t.st.runStream(ctx, stmt))
}

// ReadStream reads rows of a table or index.
func (t *Snapshot) ReadStream(ctx context.Context, rr ReadRequest) *resultstream.Stream {
	return t.st.readStream(ctx, rr)
}

// Read reads rows of a table or index and buffers them.
func (t *Snapshot) Read(ctx context.Context, rr ReadRequest) (*Result, error) {
	return collect(t.st.readStream(ctx, rr))
}
