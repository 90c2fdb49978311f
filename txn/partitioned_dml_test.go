package txn

import (
	"context"
	"testing"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/apstndb/spanner-txcore/transport"
	"github.com/apstndb/spanner-txcore/transport/transporttest"
)

func lowerBoundStream(n int64) transport.ResultStream {
	return transporttest.Stream(&sppb.PartialResultSet{
		Metadata: &sppb.ResultSetMetadata{},
		Stats:    &sppb.ResultSetStats{RowCount: &sppb.ResultSetStats_RowCountLowerBound{RowCountLowerBound: n}},
	})
}

func TestPartitionedDML_RunUpdate(t *testing.T) {
	t.Parallel()
	tr := &transporttest.Fake{
		ExecuteStreamingSqlFunc: func(ctx context.Context, req *sppb.ExecuteSqlRequest) (transport.ResultStream, error) {
			return lowerBoundStream(42), nil
		},
	}
	pdml := NewPartitionedDML(tr, testSession(false), PartitionedDMLOptions{ExcludeTxnFromChangeStreams: true, TransactionTag: "cleanup"}, testConfig())

	n, err := pdml.RunUpdate(t.Context(), NewStatement("DELETE FROM T WHERE Expired"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.True(t, pdml.Ended())

	calls := tr.Calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.True(t, c.RouteToLeader, c.Method)
	}

	begin := calls[0].Request.(*sppb.BeginTransactionRequest)
	assert.NotNil(t, begin.GetOptions().GetPartitionedDml())
	assert.True(t, begin.GetOptions().GetExcludeTxnFromChangeStreams())
	assert.Equal(t, "cleanup", begin.GetRequestOptions().GetTransactionTag())

	req := calls[1].Request.(*sppb.ExecuteSqlRequest)
	assert.Equal(t, []byte("tx1"), req.GetTransaction().GetId())
	assert.Equal(t, "cleanup", req.GetRequestOptions().GetTransactionTag())

	_, err = pdml.RunUpdate(t.Context(), NewStatement("DELETE FROM T WHERE TRUE"))
	assert.ErrorIs(t, err, ErrTransactionEnded)
}

func TestPartitionedDML_ExplicitBegin(t *testing.T) {
	t.Parallel()
	tr := &transporttest.Fake{
		ExecuteStreamingSqlFunc: func(ctx context.Context, req *sppb.ExecuteSqlRequest) (transport.ResultStream, error) {
			return lowerBoundStream(1), nil
		},
	}
	pdml := NewPartitionedDML(tr, testSession(false), PartitionedDMLOptions{}, testConfig())
	require.NoError(t, pdml.Begin(t.Context()))
	_, err := pdml.RunUpdate(t.Context(), NewStatement("UPDATE T SET V = 0 WHERE TRUE"))
	require.NoError(t, err)
	assert.Len(t, tr.Calls("BeginTransaction"), 1)
}

func TestPartitionedDML_EndsOnError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		desc string
		tr   *transporttest.Fake
		want codes.Code
	}{
		{
			"begin fails",
			&transporttest.Fake{
				BeginTransactionFunc: func(ctx context.Context, req *sppb.BeginTransactionRequest) (*sppb.Transaction, error) {
					return nil, status.Error(codes.PermissionDenied, "denied")
				},
			},
			codes.PermissionDenied,
		},
		{
			"statement fails",
			&transporttest.Fake{
				ExecuteStreamingSqlFunc: func(ctx context.Context, req *sppb.ExecuteSqlRequest) (transport.ResultStream, error) {
					return transporttest.FailingStream(status.Error(codes.InvalidArgument, "not partitionable")), nil
				},
			},
			codes.InvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			pdml := NewPartitionedDML(tt.tr, testSession(false), PartitionedDMLOptions{}, testConfig())
			_, err := pdml.RunUpdate(t.Context(), NewStatement("DELETE FROM T WHERE TRUE"))
			assert.Equal(t, tt.want, status.Code(err))
			assert.True(t, pdml.Ended())
		})
	}
}
