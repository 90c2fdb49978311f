package txn

import (
	"context"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"go.uber.org/zap"

	"github.com/apstndb/spanner-txcore/resultstream"
	"github.com/apstndb/spanner-txcore/session"
	"github.com/apstndb/spanner-txcore/transport"
	"github.com/apstndb/spanner-txcore/wire"
)

// Transaction is a read-write transaction.
//
// Without an explicit Begin, the first query, read or batch DML begins the
// transaction inline. Operations issued while that first one is in flight wait
// until its result metadata carries the transaction id, so the first stream
// must be consumed before later operations can proceed.
type Transaction struct {
	handle
}

// NewTransaction returns a read-write transaction on s.
func NewTransaction(tr transport.Transport, s *session.Session, opts ReadWriteOptions, cfg Config) *Transaction {
	st := newState(tr, s, cfg, capabilities{supportsMutations: true})
	st.readWrite = opts
	return &Transaction{handle{st}}
}

// Begin starts the transaction explicitly. The selected mutation key, if any, is sent with it.
func (t *Transaction) Begin(ctx context.Context) error {
	return t.st.begin(ctx)
}

// RunStream executes a query or DML statement.
func (t *Transaction) RunStream(ctx context.Context, stmt Statement) *resultstream.Stream {
	return t.st.runStream(ctx, stmt)
}

// Run executes a query or DML statement and buffers its result.
func (t *Transaction) Run(ctx context.Context, stmt Statement) (*Result, error) {
	return collect(t.st.runStream(ctx, stmt))
}

// ReadStream reads rows of a table or index.
func (t *Transaction) ReadStream(ctx context.Context, rr ReadRequest) *resultstream.Stream {
	return t.st.readStream(ctx, rr)
}

// Read reads rows of a table or index and buffers them.
func (t *Transaction) Read(ctx context.Context, rr ReadRequest) (*Result, error) {
	return collect(t.st.readStream(ctx, rr))
}

// RunUpdate executes a DML statement and returns the number of affected rows.
func (t *Transaction) RunUpdate(ctx context.Context, stmt Statement) (int64, error) {
	return t.st.runUpdate(ctx, stmt)
}

// BatchUpdate executes DML statements in order and returns one row count per executed statement.
// An empty batch fails with a *BatchUpdateError wrapping ErrNoStatements.
// When a statement fails, the counts of the preceding statements are returned along with a *BatchUpdateError.
func (t *Transaction) BatchUpdate(ctx context.Context, stmts []Statement) ([]int64, error) {
	return t.st.batchUpdate(ctx, stmts)
}

// Insert queues an insert of rows into table.
func (t *Transaction) Insert(table string, rows ...map[string]any) error {
	return t.queueWrite(OpInsert, table, rows)
}

// Update queues an update of rows in table.
func (t *Transaction) Update(table string, rows ...map[string]any) error {
	return t.queueWrite(OpUpdate, table, rows)
}

// Upsert queues an insert-or-update of rows in table.
func (t *Transaction) Upsert(table string, rows ...map[string]any) error {
	return t.queueWrite(OpInsertOrUpdate, table, rows)
}

// Replace queues a replace of rows in table.
func (t *Transaction) Replace(table string, rows ...map[string]any) error {
	return t.queueWrite(OpReplace, table, rows)
}

// DeleteRows queues a delete of the rows with the given primary keys.
func (t *Transaction) DeleteRows(table string, keys ...wire.Key) error {
	return t.Delete(table, KeySetSpec{Keys: keys})
}

// Delete queues a delete of the rows selected by spec.
func (t *Transaction) Delete(table string, spec KeySetSpec) error {
	return t.queue(&Mutation{Op: OpDelete, Table: table, Keys: spec.Keys, Ranges: spec.Ranges, KeySet: spec.KeySet})
}

func (t *Transaction) queueWrite(op Op, table string, rows []map[string]any) error {
	m, err := newWriteMutation(op, table, rows)
	if err != nil {
		return err
	}
	return t.queue(m)
}

func (t *Transaction) queue(m *Mutation) error {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if t.st.ended || t.st.committing {
		return ErrTransactionEnded
	}
	t.st.mutations = append(t.st.mutations, m)
	return nil
}

// Mutations returns the queued mutations.
func (t *Transaction) Mutations() []*Mutation {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	return append([]*Mutation(nil), t.st.mutations...)
}

// CommitTimestamp returns the commit timestamp after a successful Commit.
func (t *Transaction) CommitTimestamp() time.Time {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	return t.st.commitTimestamp
}

// Commit applies the queued mutations and ends the transaction, whatever the outcome.
//
// A transaction without an id is begun explicitly first on a multiplexed
// session, anchored by the selected mutation key, and otherwise committed as a
// single-use transaction. When the server asks to retry with a newer precommit
// token, the commit is retried once; a second such request fails with
// ErrPrecommitRetryExhausted.
func (t *Transaction) Commit(ctx context.Context, opts CommitOptions) (*CommitResult, error) {
	st := t.st
	st.mu.Lock()
	if st.ended || st.committing {
		st.mu.Unlock()
		return nil, ErrTransactionEnded
	}
	st.committing = true
	st.mu.Unlock()
	defer st.end()

	if err := st.waitInlineBegin(ctx); err != nil {
		return nil, err
	}

	st.mu.Lock()
	mutations := st.mutations
	id := st.id
	st.mu.Unlock()

	if id == nil && st.session.Multiplexed {
		key := selectMutationKey(mutations)
		if key != nil {
			pb, err := key.Proto()
			if err != nil {
				return nil, err
			}
			st.mu.Lock()
			st.mutationKey = pb
			st.mu.Unlock()
		}
		if err := st.begin(ctx); err != nil {
			return nil, err
		}
		id = st.currentID()
	}

	pbMutations, err := encodeMutations(mutations)
	if err != nil {
		return nil, err
	}

	req := &sppb.CommitRequest{
		Session:           st.session.Name,
		Mutations:         pbMutations,
		ReturnCommitStats: opts.ReturnCommitStats,
		MaxCommitDelay:    opts.maxCommitDelay(),
		RequestOptions:    st.requestOptions(opts.Priority, ""),
		PrecommitToken:    st.precommitToken(),
	}
	if id != nil {
		req.Transaction = &sppb.CommitRequest_TransactionId{TransactionId: id}
	} else {
		req.Transaction = &sppb.CommitRequest_SingleUseTransaction{SingleUseTransaction: st.transactionOptions()}
	}

	ctx = st.rpcContext(ctx)
	resp, err := st.tr.Commit(ctx, req)
	st.observe(err)
	if err != nil {
		return nil, decorateCommitError(err, mutations)
	}

	if retry := resp.GetPrecommitToken(); retry != nil {
		st.updatePrecommit(retry)
		req.PrecommitToken = st.precommitToken()
		st.logger.Debug("retrying commit with precommit token", zap.Int32("seqNum", req.GetPrecommitToken().GetSeqNum()))

		resp, err = st.tr.Commit(ctx, req)
		st.observe(err)
		if err != nil {
			return nil, decorateCommitError(err, mutations)
		}
		if resp.GetPrecommitToken() != nil {
			return nil, ErrPrecommitRetryExhausted
		}
	}

	result := &CommitResult{CommitStats: resp.GetCommitStats()}
	if ts := resp.GetCommitTimestamp(); ts != nil {
		result.CommitTimestamp = ts.AsTime()
	}
	st.mu.Lock()
	st.commitTimestamp = result.CommitTimestamp
	st.mu.Unlock()
	return result, nil
}

// Rollback aborts the transaction. Without a transaction id, or after the
// transaction has ended, there is nothing to roll back and nil is returned
// without contacting the server. Otherwise the transaction ends whatever the
// outcome.
func (t *Transaction) Rollback(ctx context.Context) error {
	st := t.st
	st.mu.Lock()
	id, ended := st.id, st.ended
	st.mu.Unlock()
	if id == nil || ended {
		return nil
	}
	defer st.end()

	err := st.tr.Rollback(st.rpcContext(ctx), &sppb.RollbackRequest{Session: st.session.Name, TransactionId: id})
	st.observe(err)
	return err
}
