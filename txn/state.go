// Package txn implements Cloud Spanner transactions over a Transport.
//
// Snapshot, Transaction and PartitionedDML are thin handles over one shared
// state record. What a handle may do is decided by the record's capability
// flags, and every operation is a function of that record.
package txn

import (
	"context"
	"sync"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/apstndb/spanner-txcore/resultstream"
	"github.com/apstndb/spanner-txcore/session"
	"github.com/apstndb/spanner-txcore/transport"
)

type capabilities struct {
	supportsMutations bool
	singleUse         bool
	partitioned       bool
}

type state struct {
	tr         transport.Transport
	session    *session.Session
	logger     *zap.Logger
	streamOpts resultstream.Options
	caps       capabilities

	readOnly  *sppb.TransactionOptions_ReadOnly
	readWrite ReadWriteOptions
	pdml      PartitionedDMLOptions

	mu sync.Mutex

	ended bool
	done  chan struct{}
	onEnd []func()

	id            []byte
	readTimestamp time.Time
	metadata      *sppb.Transaction
	precommit     *sppb.MultiplexedSessionPrecommitToken
	seqno         int64

	// beginning is non-nil while an inline begin is in flight and closed when it completes.
	beginning chan struct{}

	mutations       []*Mutation
	mutationKey     *sppb.Mutation
	committing      bool
	commitTimestamp time.Time

	sessionNotFound bool
}

func newState(tr transport.Transport, s *session.Session, cfg Config, caps capabilities) *state {
	return &state{
		tr:         tr,
		session:    s,
		logger:     cfg.logger().With(zap.String("session", s.Name)),
		streamOpts: cfg.streamOptions(),
		caps:       caps,
		done:       make(chan struct{}),
	}
}

// end marks the state ended, drops queued mutations and runs the end hooks. Only the first call has an effect.
func (s *state) end() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mutations = nil
	hooks := s.onEnd
	s.onEnd = nil
	close(s.done)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

func (s *state) addOnEnd(f func()) {
	s.mu.Lock()
	if !s.ended {
		s.onEnd = append(s.onEnd, f)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	f()
}

func (s *state) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *state) currentID() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// observe records RPC outcomes relevant to the session lease.
func (s *state) observe(err error) {
	if err == nil || !isSessionNotFound(err) {
		return
	}
	s.mu.Lock()
	s.sessionNotFound = true
	s.mu.Unlock()
}

// updatePrecommitLocked keeps the token with the highest sequence number.
func (s *state) updatePrecommitLocked(token *sppb.MultiplexedSessionPrecommitToken) {
	if token == nil {
		return
	}
	if s.precommit != nil && token.GetSeqNum() <= s.precommit.GetSeqNum() {
		return
	}
	s.precommit = token
}

func (s *state) updatePrecommit(token *sppb.MultiplexedSessionPrecommitToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatePrecommitLocked(token)
}

func (s *state) precommitToken() *sppb.MultiplexedSessionPrecommitToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.precommit
}

func (s *state) nextSeqno() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqno++
	return s.seqno
}

// applyTransactionLocked stores a transaction returned by BeginTransaction or carried by result metadata.
func (s *state) applyTransactionLocked(tx *sppb.Transaction) {
	if tx == nil {
		return
	}
	if len(tx.GetId()) > 0 && s.id == nil {
		s.id = tx.GetId()
		s.metadata = tx
	}
	if tx.GetReadTimestamp() != nil && s.readTimestamp.IsZero() {
		s.readTimestamp = tx.GetReadTimestamp().AsTime()
	}
	s.updatePrecommitLocked(tx.GetPrecommitToken())
}

func (s *state) transactionOptions() *sppb.TransactionOptions {
	switch {
	case s.caps.partitioned:
		return s.pdml.encode()
	case s.caps.supportsMutations:
		return s.readWrite.encode()
	default:
		return &sppb.TransactionOptions{Mode: &sppb.TransactionOptions_ReadOnly_{ReadOnly: s.readOnly}}
	}
}

func (s *state) transactionTag() string {
	switch {
	case s.caps.partitioned:
		return s.pdml.TransactionTag
	case s.caps.supportsMutations:
		return s.readWrite.TransactionTag
	default:
		return ""
	}
}

func (s *state) requestOptions(priority sppb.RequestOptions_Priority, requestTag string) *sppb.RequestOptions {
	tag := s.transactionTag()
	if priority == sppb.RequestOptions_PRIORITY_UNSPECIFIED && requestTag == "" && tag == "" {
		return nil
	}
	return &sppb.RequestOptions{Priority: priority, RequestTag: requestTag, TransactionTag: tag}
}

// rpcContext marks read-write and partitioned DML calls as leader-routable.
func (s *state) rpcContext(ctx context.Context) context.Context {
	if s.caps.supportsMutations || s.caps.partitioned {
		return transport.WithRouteToLeader(ctx)
	}
	return ctx
}

func idSelector(id []byte) *sppb.TransactionSelector {
	return &sppb.TransactionSelector{Selector: &sppb.TransactionSelector_Id{Id: id}}
}

// acquireSelector returns the transaction selector of the next request.
//
// A known id is always used. Otherwise read-only states use a single-use
// selector, and read-write states start an inline begin; inline is then true
// and the caller must report the outcome through finishInlineBegin. Callers
// arriving while an inline begin is in flight wait for it to complete.
func (s *state) acquireSelector(ctx context.Context) (sel *sppb.TransactionSelector, inline bool, err error) {
	for {
		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			return nil, false, ErrTransactionEnded
		}
		if s.id != nil {
			id := s.id
			s.mu.Unlock()
			return idSelector(id), false, nil
		}

		switch {
		case s.caps.partitioned:
			s.mu.Unlock()
			return nil, false, errNotBegun
		case !s.caps.supportsMutations:
			s.mu.Unlock()
			return &sppb.TransactionSelector{Selector: &sppb.TransactionSelector_SingleUse{SingleUse: s.transactionOptions()}}, false, nil
		}

		if beginning := s.beginning; beginning != nil {
			s.mu.Unlock()
			select {
			case <-beginning:
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}

		s.beginning = make(chan struct{})
		s.mu.Unlock()
		s.logger.Debug("beginning transaction inline")
		return &sppb.TransactionSelector{Selector: &sppb.TransactionSelector_Begin{Begin: s.transactionOptions()}}, true, nil
	}
}

// finishInlineBegin completes an inline begin. tx is nil when the request failed before returning a transaction,
// in which case the next request starts its own inline begin.
func (s *state) finishInlineBegin(tx *sppb.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyTransactionLocked(tx)
	if s.beginning != nil {
		close(s.beginning)
		s.beginning = nil
	}
}

// waitInlineBegin blocks until no inline begin is in flight.
func (s *state) waitInlineBegin(ctx context.Context) error {
	for {
		s.mu.Lock()
		beginning := s.beginning
		s.mu.Unlock()
		if beginning == nil {
			return nil
		}
		select {
		case <-beginning:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// begin issues BeginTransaction and stores the returned transaction.
func (s *state) begin(ctx context.Context) error {
	if s.caps.singleUse {
		return ErrSingleUse
	}
	if s.isEnded() {
		return ErrTransactionEnded
	}

	s.mu.Lock()
	req := &sppb.BeginTransactionRequest{
		Session:        s.session.Name,
		Options:        s.transactionOptions(),
		RequestOptions: s.requestOptions(sppb.RequestOptions_PRIORITY_UNSPECIFIED, ""),
		MutationKey:    s.mutationKey,
	}
	s.mu.Unlock()

	tx, err := s.tr.BeginTransaction(s.rpcContext(ctx), req)
	s.observe(err)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.applyTransactionLocked(tx)
	s.mu.Unlock()
	s.logger.Debug("began transaction", zap.Binary("id", tx.GetId()))
	return nil
}

// streamOptions wires a result stream to the state: metadata completes an
// inline begin, precommit tokens are retained, and single-use states end with
// their stream.
func (s *state) streamOptions(inline bool) resultstream.Options {
	opts := s.streamOpts
	var once sync.Once
	finishBegin := func(tx *sppb.Transaction) {
		if inline {
			once.Do(func() { s.finishInlineBegin(tx) })
		}
	}

	onItem := opts.OnItem
	opts.OnItem = func(item *resultstream.Item) {
		switch item.Kind {
		case resultstream.KindMetadata:
			if tx := item.Metadata.GetTransaction(); inline {
				finishBegin(tx)
			} else if tx != nil {
				s.mu.Lock()
				s.applyTransactionLocked(tx)
				s.mu.Unlock()
			}
		case resultstream.KindPrecommitToken:
			s.updatePrecommit(item.PrecommitToken)
		}
		if onItem != nil {
			onItem(item)
		}
	}

	onFinish := opts.OnFinish
	opts.OnFinish = func(err error) {
		s.observe(err)
		finishBegin(nil)
		if s.caps.singleUse {
			s.end()
		}
		if onFinish != nil {
			onFinish(err)
		}
	}
	return opts
}

// runStream starts an ExecuteStreamingSql call. Each call takes the next sequence number, reused on resume.
func (s *state) runStream(ctx context.Context, stmt Statement) *resultstream.Stream {
	params, paramTypes, err := encodeStatementParams(stmt)
	if err != nil {
		return resultstream.Failed(err, s.streamOptions(false))
	}
	sel, inline, err := s.acquireSelector(ctx)
	if err != nil {
		return resultstream.Failed(err, s.streamOptions(false))
	}

	req := &sppb.ExecuteSqlRequest{
		Session:        s.session.Name,
		Transaction:    sel,
		Sql:            stmt.SQL,
		Params:         params,
		ParamTypes:     paramTypes,
		QueryMode:      stmt.QueryMode,
		QueryOptions:   stmt.QueryOptions,
		RequestOptions: s.requestOptions(stmt.Priority, stmt.RequestTag),
		Seqno:          s.nextSeqno(),
	}
	open := func(ctx context.Context, resumeToken []byte) (resultstream.Receiver, error) {
		r := proto.Clone(req).(*sppb.ExecuteSqlRequest)
		r.ResumeToken = resumeToken
		if inline {
			if id := s.currentID(); id != nil {
				r.Transaction = idSelector(id)
			}
		}
		return s.tr.ExecuteStreamingSql(ctx, r)
	}
	return resultstream.New(transport.WithRequestAttempts(s.rpcContext(ctx)), open, s.streamOptions(inline))
}

// readStream starts a StreamingRead call.
func (s *state) readStream(ctx context.Context, rr ReadRequest) *resultstream.Stream {
	keySet, err := encodeReadKeySet(rr)
	if err != nil {
		return resultstream.Failed(err, s.streamOptions(false))
	}
	sel, inline, err := s.acquireSelector(ctx)
	if err != nil {
		return resultstream.Failed(err, s.streamOptions(false))
	}

	req := &sppb.ReadRequest{
		Session:        s.session.Name,
		Transaction:    sel,
		Table:          rr.Table,
		Index:          rr.Index,
		Columns:        rr.Columns,
		KeySet:         keySet,
		Limit:          rr.Limit,
		RequestOptions: s.requestOptions(rr.Priority, rr.RequestTag),
	}
	open := func(ctx context.Context, resumeToken []byte) (resultstream.Receiver, error) {
		r := proto.Clone(req).(*sppb.ReadRequest)
		r.ResumeToken = resumeToken
		if inline {
			if id := s.currentID(); id != nil {
				r.Transaction = idSelector(id)
			}
		}
		return s.tr.StreamingRead(ctx, r)
	}
	return resultstream.New(transport.WithRequestAttempts(s.rpcContext(ctx)), open, s.streamOptions(inline))
}

// collect buffers a stream. The first error aborts and is returned with nothing else.
func collect(stream *resultstream.Stream) (*Result, error) {
	result := &Result{}
	for item, err := range stream.All() {
		if err != nil {
			return nil, err
		}
		switch item.Kind {
		case resultstream.KindMetadata:
			result.Metadata = item.Metadata
		case resultstream.KindRow:
			result.Rows = append(result.Rows, item.Row)
		case resultstream.KindStats:
			result.Stats = item.Stats
		}
	}
	return result, nil
}

// runUpdate runs a DML statement and returns its row count.
func (s *state) runUpdate(ctx context.Context, stmt Statement) (int64, error) {
	result, err := collect(s.runStream(ctx, stmt))
	if err != nil {
		return 0, err
	}
	return result.RowCount(), nil
}
