// Package transport is the RPC boundary of the transaction core.
//
// Transport mirrors the subset of the Cloud Spanner data-plane API used by
// sessions and transactions. GAPIC implements it over the generated client and
// applies the request header contract; tests substitute a fake.
package transport

import (
	"context"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
)

// ResultStream is one in-flight ExecuteStreamingSql or StreamingRead call.
type ResultStream interface {
	Recv() (*sppb.PartialResultSet, error)
}

// Transport issues Cloud Spanner data-plane RPCs.
// RPC-level retry policy, authentication and connection management are the implementation's concern.
type Transport interface {
	CreateSession(ctx context.Context, req *sppb.CreateSessionRequest) (*sppb.Session, error)
	BatchCreateSessions(ctx context.Context, req *sppb.BatchCreateSessionsRequest) (*sppb.BatchCreateSessionsResponse, error)
	DeleteSession(ctx context.Context, req *sppb.DeleteSessionRequest) error

	BeginTransaction(ctx context.Context, req *sppb.BeginTransactionRequest) (*sppb.Transaction, error)
	Commit(ctx context.Context, req *sppb.CommitRequest) (*sppb.CommitResponse, error)
	Rollback(ctx context.Context, req *sppb.RollbackRequest) error

	ExecuteSql(ctx context.Context, req *sppb.ExecuteSqlRequest) (*sppb.ResultSet, error)
	ExecuteBatchDml(ctx context.Context, req *sppb.ExecuteBatchDmlRequest) (*sppb.ExecuteBatchDmlResponse, error)
	ExecuteStreamingSql(ctx context.Context, req *sppb.ExecuteSqlRequest) (ResultStream, error)
	StreamingRead(ctx context.Context, req *sppb.ReadRequest) (ResultStream, error)

	Close() error
}
