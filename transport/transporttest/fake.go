// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/apstndb/spanner-txcore/transport"
)

// Call is one recorded RPC.
type Call struct {
	Method        string
	Request       proto.Message
	RouteToLeader bool
	// Attempts is set for calls made with a transport.WithRequestAttempts context.
	Attempts *transport.RequestAttempts
}

// Fake records every request and answers with the matching func field, or a
// canned default when the field is nil.
type Fake struct {
	CreateSessionFunc       func(ctx context.Context, req *sppb.CreateSessionRequest) (*sppb.Session, error)
	BatchCreateSessionsFunc func(ctx context.Context, req *sppb.BatchCreateSessionsRequest) (*sppb.BatchCreateSessionsResponse, error)
	DeleteSessionFunc       func(ctx context.Context, req *sppb.DeleteSessionRequest) error
	BeginTransactionFunc    func(ctx context.Context, req *sppb.BeginTransactionRequest) (*sppb.Transaction, error)
	CommitFunc              func(ctx context.Context, req *sppb.CommitRequest) (*sppb.CommitResponse, error)
	RollbackFunc            func(ctx context.Context, req *sppb.RollbackRequest) error
	ExecuteSqlFunc          func(ctx context.Context, req *sppb.ExecuteSqlRequest) (*sppb.ResultSet, error)
	ExecuteBatchDmlFunc     func(ctx context.Context, req *sppb.ExecuteBatchDmlRequest) (*sppb.ExecuteBatchDmlResponse, error)
	ExecuteStreamingSqlFunc func(ctx context.Context, req *sppb.ExecuteSqlRequest) (transport.ResultStream, error)
	StreamingReadFunc       func(ctx context.Context, req *sppb.ReadRequest) (transport.ResultStream, error)

	// CommitTimestamp is returned by the default Commit.
	CommitTimestamp *timestamppb.Timestamp

	mu       sync.Mutex
	calls    []Call
	sessions int
	txns     int
	closed   bool
}

var _ transport.Transport = (*Fake)(nil)

func (f *Fake) record(ctx context.Context, method string, req proto.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{
		Method:        method,
		Request:       proto.Clone(req),
		RouteToLeader: transport.RouteToLeader(ctx),
		Attempts:      transport.RequestAttemptsFrom(ctx),
	})
}

// Calls returns the recorded calls, optionally filtered by method name.
func (f *Fake) Calls(methods ...string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []Call
	for _, c := range f.calls {
		if len(methods) == 0 || slices.Contains(methods, c.Method) {
			result = append(result, c)
		}
	}
	return result
}

// Requests returns the recorded requests of type T in call order.
func Requests[T proto.Message](f *Fake) []T {
	var result []T
	for _, c := range f.Calls() {
		if req, ok := c.Request.(T); ok {
			result = append(result, req)
		}
	}
	return result
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) nextSession(database string) *sppb.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return &sppb.Session{Name: fmt.Sprintf("%s/sessions/s%d", database, f.sessions), CreateTime: timestamppb.Now()}
}

func (f *Fake) nextTransactionID() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns++
	return fmt.Appendf(nil, "tx%d", f.txns)
}

func (f *Fake) CreateSession(ctx context.Context, req *sppb.CreateSessionRequest) (*sppb.Session, error) {
	f.record(ctx, "CreateSession", req)
	if f.CreateSessionFunc != nil {
		return f.CreateSessionFunc(ctx, req)
	}
	s := f.nextSession(req.GetDatabase())
	s.Multiplexed = req.GetSession().GetMultiplexed()
	return s, nil
}

func (f *Fake) BatchCreateSessions(ctx context.Context, req *sppb.BatchCreateSessionsRequest) (*sppb.BatchCreateSessionsResponse, error) {
	f.record(ctx, "BatchCreateSessions", req)
	if f.BatchCreateSessionsFunc != nil {
		return f.BatchCreateSessionsFunc(ctx, req)
	}
	resp := &sppb.BatchCreateSessionsResponse{}
	for range req.GetSessionCount() {
		resp.Session = append(resp.Session, f.nextSession(req.GetDatabase()))
	}
	return resp, nil
}

func (f *Fake) DeleteSession(ctx context.Context, req *sppb.DeleteSessionRequest) error {
	f.record(ctx, "DeleteSession", req)
	if f.DeleteSessionFunc != nil {
		return f.DeleteSessionFunc(ctx, req)
	}
	return nil
}

func (f *Fake) BeginTransaction(ctx context.Context, req *sppb.BeginTransactionRequest) (*sppb.Transaction, error) {
	f.record(ctx, "BeginTransaction", req)
	if f.BeginTransactionFunc != nil {
		return f.BeginTransactionFunc(ctx, req)
	}
	return &sppb.Transaction{Id: f.nextTransactionID()}, nil
}

func (f *Fake) Commit(ctx context.Context, req *sppb.CommitRequest) (*sppb.CommitResponse, error) {
	f.record(ctx, "Commit", req)
	if f.CommitFunc != nil {
		return f.CommitFunc(ctx, req)
	}
	ts := f.CommitTimestamp
	if ts == nil {
		ts = timestamppb.Now()
	}
	return &sppb.CommitResponse{CommitTimestamp: ts}, nil
}

func (f *Fake) Rollback(ctx context.Context, req *sppb.RollbackRequest) error {
	f.record(ctx, "Rollback", req)
	if f.RollbackFunc != nil {
		return f.RollbackFunc(ctx, req)
	}
	return nil
}

func (f *Fake) ExecuteSql(ctx context.Context, req *sppb.ExecuteSqlRequest) (*sppb.ResultSet, error) {
	f.record(ctx, "ExecuteSql", req)
	if f.ExecuteSqlFunc != nil {
		return f.ExecuteSqlFunc(ctx, req)
	}
	return &sppb.ResultSet{}, nil
}

func (f *Fake) ExecuteBatchDml(ctx context.Context, req *sppb.ExecuteBatchDmlRequest) (*sppb.ExecuteBatchDmlResponse, error) {
	f.record(ctx, "ExecuteBatchDml", req)
	if f.ExecuteBatchDmlFunc != nil {
		return f.ExecuteBatchDmlFunc(ctx, req)
	}
	resp := &sppb.ExecuteBatchDmlResponse{}
	for range req.GetStatements() {
		resp.ResultSets = append(resp.ResultSets, &sppb.ResultSet{
			Stats: &sppb.ResultSetStats{RowCount: &sppb.ResultSetStats_RowCountExact{RowCountExact: 1}},
		})
	}
	return resp, nil
}

func (f *Fake) ExecuteStreamingSql(ctx context.Context, req *sppb.ExecuteSqlRequest) (transport.ResultStream, error) {
	f.record(ctx, "ExecuteStreamingSql", req)
	if f.ExecuteStreamingSqlFunc != nil {
		return f.ExecuteStreamingSqlFunc(ctx, req)
	}
	return Stream(), nil
}

func (f *Fake) StreamingRead(ctx context.Context, req *sppb.ReadRequest) (transport.ResultStream, error) {
	f.record(ctx, "StreamingRead", req)
	if f.StreamingReadFunc != nil {
		return f.StreamingReadFunc(ctx, req)
	}
	return Stream(), nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Stream returns a result stream yielding results and then io.EOF.
func Stream(results ...*sppb.PartialResultSet) transport.ResultStream {
	return &sliceStream{results: results}
}

// FailingStream returns a result stream yielding results and then err.
func FailingStream(err error, results ...*sppb.PartialResultSet) transport.ResultStream {
	return &sliceStream{results: results, err: err}
}

type sliceStream struct {
	mu      sync.Mutex
	results []*sppb.PartialResultSet
	err     error
}

func (s *sliceStream) Recv() (*sppb.PartialResultSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r, nil
}
