package txn

import (
	"context"
	"testing"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/apstndb/spanner-txcore/transport"
	"github.com/apstndb/spanner-txcore/transport/transporttest"
	"github.com/apstndb/spanner-txcore/wire"
)

func TestSnapshot_Begin(t *testing.T) {
	t.Parallel()
	readTime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := &transporttest.Fake{
		BeginTransactionFunc: func(ctx context.Context, req *sppb.BeginTransactionRequest) (*sppb.Transaction, error) {
			return &sppb.Transaction{Id: []byte("ro"), ReadTimestamp: timestamppb.New(readTime)}, nil
		},
	}
	snapshot := NewSnapshot(tr, testSession(false), ReadOnlyOptions{Bound: wire.ExactStaleness(5 * time.Second)}, testConfig())
	require.NoError(t, snapshot.Begin(t.Context()))
	assert.Equal(t, []byte("ro"), snapshot.ID())
	assert.Equal(t, readTime, snapshot.ReadTimestamp())
	assert.Equal(t, []byte("ro"), snapshot.Metadata().GetId())

	_, err := snapshot.Run(t.Context(), NewStatement("SELECT 1"))
	require.NoError(t, err)
	_, err = snapshot.Read(t.Context(), ReadRequest{Table: "T", Columns: []string{"Id"}})
	require.NoError(t, err)

	calls := tr.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.False(t, c.RouteToLeader, c.Method)
	}
	begin := calls[0].Request.(*sppb.BeginTransactionRequest)
	assert.Equal(t, int64(5), begin.GetOptions().GetReadOnly().GetExactStaleness().GetSeconds())
	assert.True(t, begin.GetOptions().GetReadOnly().GetReturnReadTimestamp())
	assert.Equal(t, []byte("ro"), calls[1].Request.(*sppb.ExecuteSqlRequest).GetTransaction().GetId())
	assert.Equal(t, []byte("ro"), calls[2].Request.(*sppb.ReadRequest).GetTransaction().GetId())
	assert.False(t, snapshot.Ended())
}

func TestSnapshot_BeginRejectsSingleUseBounds(t *testing.T) {
	t.Parallel()
	for _, bound := range []wire.TimestampBound{
		wire.MaxStaleness(time.Second),
		wire.MinReadTimestamp(time.Unix(0, 0)),
	} {
		tr := &transporttest.Fake{}
		snapshot := NewSnapshot(tr, testSession(false), ReadOnlyOptions{Bound: bound}, testConfig())
		assert.ErrorIs(t, snapshot.Begin(t.Context()), ErrSingleUseBound)
		assert.Empty(t, tr.Calls())
	}
}

func TestSnapshot_WithoutBeginUsesSingleUseSelector(t *testing.T) {
	t.Parallel()
	readTime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := &transporttest.Fake{
		ExecuteStreamingSqlFunc: func(ctx context.Context, req *sppb.ExecuteSqlRequest) (transport.ResultStream, error) {
			md := int64Metadata("N")
			md.Transaction = &sppb.Transaction{ReadTimestamp: timestamppb.New(readTime)}
			return transporttest.Stream(&sppb.PartialResultSet{Metadata: md, Values: []*structpb.Value{structpb.NewStringValue("1")}}), nil
		},
	}
	snapshot := NewSnapshot(tr, testSession(false), ReadOnlyOptions{}, testConfig())

	for range 2 {
		result, err := snapshot.Run(t.Context(), NewStatement("SELECT 1"))
		require.NoError(t, err)
		assert.Len(t, result.Rows, 1)
	}
	assert.False(t, snapshot.Ended())
	assert.Nil(t, snapshot.ID())
	assert.Equal(t, readTime, snapshot.ReadTimestamp())

	for _, req := range transporttest.Requests[*sppb.ExecuteSqlRequest](tr) {
		want := &sppb.TransactionSelector{Selector: &sppb.TransactionSelector_SingleUse{SingleUse: &sppb.TransactionOptions{
			Mode: &sppb.TransactionOptions_ReadOnly_{ReadOnly: &sppb.TransactionOptions_ReadOnly{
				TimestampBound:      &sppb.TransactionOptions_ReadOnly_Strong{Strong: true},
				ReturnReadTimestamp: true,
			}},
		}}}
		if diff := cmp.Diff(want, req.GetTransaction(), protocmp.Transform()); diff != "" {
			t.Errorf("TransactionSelector mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestSingleUseSnapshot(t *testing.T) {
	t.Parallel()
	tr := &transporttest.Fake{
		ExecuteStreamingSqlFunc: func(ctx context.Context, req *sppb.ExecuteSqlRequest) (transport.ResultStream, error) {
			return transporttest.Stream(&sppb.PartialResultSet{
				Metadata: int64Metadata("N"),
				Values:   []*structpb.Value{structpb.NewStringValue("1"), structpb.NewStringValue("2")},
			}), nil
		},
	}
	snapshot := NewSingleUseSnapshot(tr, testSession(false), ReadOnlyOptions{}, testConfig())
	assert.ErrorIs(t, snapshot.Begin(t.Context()), ErrSingleUse)

	stream := snapshot.RunStream(t.Context(), NewStatement("SELECT N FROM T"))
	var got []int64
	for row, err := range stream.Rows() {
		require.NoError(t, err)
		assert.False(t, snapshot.Ended(), "ended before the rows were consumed")
		col, err := row.Column(0)
		require.NoError(t, err)
		var n int64
		require.NoError(t, col.Decode(&n))
		got = append(got, n)
	}
	assert.Equal(t, []int64{1, 2}, got)
	assert.True(t, snapshot.Ended())

	_, err := snapshot.Run(t.Context(), NewStatement("SELECT 1"))
	assert.ErrorIs(t, err, ErrTransactionEnded)
	assert.Len(t, tr.Calls(), 1)
}

func TestSingleUseSnapshot_EndsOnError(t *testing.T) {
	t.Parallel()
	tr := &transporttest.Fake{
		ExecuteStreamingSqlFunc: func(ctx context.Context, req *sppb.ExecuteSqlRequest) (transport.ResultStream, error) {
			return nil, context.DeadlineExceeded
		},
	}
	snapshot := NewSingleUseSnapshot(tr, testSession(false), ReadOnlyOptions{}, testConfig())
	_, err := snapshot.Run(t.Context(), NewStatement("SELECT 1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, snapshot.Ended())
}

func TestSingleUseSnapshot_EndsOnEncodingError(t *testing.T) {
	t.Parallel()
	tr := &transporttest.Fake{}

	snapshot := NewSingleUseSnapshot(tr, testSession(false), ReadOnlyOptions{}, testConfig())
	_, err := snapshot.Run(t.Context(), Statement{SQL: "SELECT @p", Params: map[string]any{"p": struct{}{}}})
	assert.Error(t, err)
	assert.True(t, snapshot.Ended())

	snapshot = NewSingleUseSnapshot(tr, testSession(false), ReadOnlyOptions{}, testConfig())
	_, err = snapshot.Read(t.Context(), ReadRequest{Table: "T", Columns: []string{"Id"}, Keys: []wire.Key{{struct{}{}}}})
	assert.Error(t, err)
	assert.True(t, snapshot.Ended())

	assert.Empty(t, tr.Calls())
}

func TestSnapshot_ReadKeySet(t *testing.T) {
	t.Parallel()
	tests := []struct {
		desc string
		rr   ReadRequest
		want *sppb.KeySet
	}{
		{
			"all rows",
			ReadRequest{Table: "T", Columns: []string{"Id"}},
			&sppb.KeySet{All: true},
		},
		{
			"keys",
			ReadRequest{Table: "T", Columns: []string{"Id"}, Keys: []wire.Key{{int64(1)}, {int64(2)}}},
			&sppb.KeySet{Keys: []*structpb.ListValue{
				{Values: []*structpb.Value{structpb.NewStringValue("1")}},
				{Values: []*structpb.Value{structpb.NewStringValue("2")}},
			}},
		},
		{
			"explicit key set",
			ReadRequest{Table: "T", Columns: []string{"Id"}, KeySet: &sppb.KeySet{All: true}},
			&sppb.KeySet{All: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			tr := &transporttest.Fake{}
			snapshot := NewSnapshot(tr, testSession(false), ReadOnlyOptions{}, testConfig())
			_, err := snapshot.Read(t.Context(), tt.rr)
			require.NoError(t, err)

			reqs := transporttest.Requests[*sppb.ReadRequest](tr)
			require.Len(t, reqs, 1)
			assert.Equal(t, "T", reqs[0].GetTable())
			if diff := cmp.Diff(tt.want, reqs[0].GetKeySet(), protocmp.Transform()); diff != "" {
				t.Errorf("KeySet mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSnapshot_RequestOptions(t *testing.T) {
	t.Parallel()
	tr := &transporttest.Fake{}
	snapshot := NewSnapshot(tr, testSession(false), ReadOnlyOptions{}, testConfig())

	_, err := snapshot.Run(t.Context(), Statement{SQL: "SELECT 1", Priority: sppb.RequestOptions_PRIORITY_LOW, RequestTag: "req"})
	require.NoError(t, err)
	_, err = snapshot.Run(t.Context(), NewStatement("SELECT 2"))
	require.NoError(t, err)

	reqs := transporttest.Requests[*sppb.ExecuteSqlRequest](tr)
	require.Len(t, reqs, 2)
	assert.Equal(t, sppb.RequestOptions_PRIORITY_LOW, reqs[0].GetRequestOptions().GetPriority())
	assert.Equal(t, "req", reqs[0].GetRequestOptions().GetRequestTag())
	assert.Empty(t, reqs[0].GetRequestOptions().GetTransactionTag())
	assert.Nil(t, reqs[1].GetRequestOptions())
}
