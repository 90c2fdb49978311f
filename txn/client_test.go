package txn

import (
	"context"
	"testing"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/apstndb/spanner-txcore/session"
	"github.com/apstndb/spanner-txcore/transport"
	"github.com/apstndb/spanner-txcore/transport/transporttest"
	"github.com/apstndb/spanner-txcore/wire"
)

func newTestClient(t *testing.T, tr *transporttest.Fake, cfg session.PoolConfig) (*Client, *session.Pool) {
	t.Helper()
	pool, err := session.NewPool(t.Context(), tr, testDatabase, cfg)
	require.NoError(t, err)
	return NewClient(tr, pool, testConfig()), pool
}

func TestClient_SingleRecyclesSession(t *testing.T) {
	t.Parallel()
	tr := &transporttest.Fake{}
	client, pool := newTestClient(t, tr, session.PoolConfig{MaxOpened: 1})

	for range 3 {
		snapshot, err := client.Single(t.Context(), wire.StrongRead())
		require.NoError(t, err)
		assert.Equal(t, 1, pool.Stats().InUse)
		_, err = snapshot.Run(t.Context(), NewStatement("SELECT 1"))
		require.NoError(t, err)
		assert.True(t, snapshot.Ended())
		assert.Equal(t, session.Stats{Opened: 1, Idle: 1}, pool.Stats())
	}
	assert.Len(t, tr.Calls("CreateSession"), 1)
}

func TestClient_SingleReleasesSessionOnParamError(t *testing.T) {
	t.Parallel()
	tr := &transporttest.Fake{}
	client, pool := newTestClient(t, tr, session.PoolConfig{MaxOpened: 1})

	snapshot, err := client.Single(t.Context(), wire.StrongRead())
	require.NoError(t, err)
	_, err = snapshot.Run(t.Context(), Statement{SQL: "SELECT @p", Params: map[string]any{"p": struct{}{}}})
	assert.Error(t, err)
	assert.True(t, snapshot.Ended())
	assert.Equal(t, session.Stats{Opened: 1, Idle: 1}, pool.Stats())

	// The only session is available again.
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	snapshot, err = client.Single(ctx, wire.StrongRead())
	require.NoError(t, err)
	_, err = snapshot.Run(ctx, NewStatement("SELECT 1"))
	require.NoError(t, err)
	assert.Empty(t, transporttest.Requests[*sppb.ExecuteSqlRequest](tr)[0].GetParams().GetFields())
}

func TestClient_ReadWriteTransaction(t *testing.T) {
	t.Parallel()
	tr := &transporttest.Fake{}
	client, pool := newTestClient(t, tr, session.PoolConfig{})

	tx, err := client.ReadWriteTransaction(t.Context(), ReadWriteOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Upsert("T", map[string]any{"Id": int64(1)}))
	assert.Equal(t, 1, pool.Stats().InUse)

	_, err = tx.Commit(t.Context(), CommitOptions{})
	require.NoError(t, err)
	assert.Equal(t, session.Stats{Opened: 1, Idle: 1}, pool.Stats())

	for _, c := range tr.Calls("CreateSession", "Commit") {
		assert.True(t, c.RouteToLeader, c.Method)
	}
}

func TestClient_ReadOnlyTransaction(t *testing.T) {
	t.Parallel()

	t.Run("begins", func(t *testing.T) {
		tr := &transporttest.Fake{}
		client, pool := newTestClient(t, tr, session.PoolConfig{})
		snapshot, err := client.ReadOnlyTransaction(t.Context(), ReadOnlyOptions{})
		require.NoError(t, err)
		assert.NotNil(t, snapshot.ID())
		assert.Equal(t, 1, pool.Stats().InUse)
		snapshot.End()
		assert.Equal(t, 0, pool.Stats().InUse)
	})

	t.Run("begin failure releases the session", func(t *testing.T) {
		tr := &transporttest.Fake{
			BeginTransactionFunc: func(ctx context.Context, req *sppb.BeginTransactionRequest) (*sppb.Transaction, error) {
				return nil, status.Error(codes.Unavailable, "unavailable")
			},
		}
		client, pool := newTestClient(t, tr, session.PoolConfig{})
		_, err := client.ReadOnlyTransaction(t.Context(), ReadOnlyOptions{})
		assert.Equal(t, codes.Unavailable, status.Code(err))
		assert.Equal(t, session.Stats{Opened: 1, Idle: 1}, pool.Stats())
	})
}

func TestClient_DiscardsMissingSession(t *testing.T) {
	t.Parallel()
	tr := &transporttest.Fake{
		ExecuteStreamingSqlFunc: func(ctx context.Context, req *sppb.ExecuteSqlRequest) (transport.ResultStream, error) {
			return nil, status.Errorf(codes.NotFound, "Session not found: %s", req.GetSession())
		},
	}
	client, pool := newTestClient(t, tr, session.PoolConfig{})

	snapshot, err := client.Single(t.Context(), wire.StrongRead())
	require.NoError(t, err)
	_, err = snapshot.Run(t.Context(), NewStatement("SELECT 1"))
	assert.Equal(t, codes.NotFound, status.Code(err))

	assert.Equal(t, session.Stats{}, pool.Stats())
	deletes := transporttest.Requests[*sppb.DeleteSessionRequest](tr)
	require.Len(t, deletes, 1)
	assert.Equal(t, snapshot.Session().Name, deletes[0].GetName())
}

func TestClient_PartitionedUpdate(t *testing.T) {
	t.Parallel()
	tr := &transporttest.Fake{
		ExecuteStreamingSqlFunc: func(ctx context.Context, req *sppb.ExecuteSqlRequest) (transport.ResultStream, error) {
			return lowerBoundStream(10), nil
		},
	}
	client, pool := newTestClient(t, tr, session.PoolConfig{})

	n, err := client.PartitionedUpdate(t.Context(), NewStatement("DELETE FROM T WHERE TRUE"), PartitionedDMLOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, session.Stats{Opened: 1, Idle: 1}, pool.Stats())
}

func TestClient_MultiplexedSessions(t *testing.T) {
	t.Parallel()
	tr := &transporttest.Fake{}
	client, pool := newTestClient(t, tr, session.PoolConfig{Multiplexed: true, MultiplexedReadWrite: true})

	snapshot, err := client.Single(t.Context(), wire.StrongRead())
	require.NoError(t, err)
	assert.True(t, snapshot.Session().Multiplexed)
	_, err = snapshot.Run(t.Context(), NewStatement("SELECT 1"))
	require.NoError(t, err)

	tx, err := client.ReadWriteTransaction(t.Context(), ReadWriteOptions{})
	require.NoError(t, err)
	assert.Same(t, snapshot.Session(), tx.Session())
	require.NoError(t, tx.Insert("T", map[string]any{"Id": int64(1)}))
	_, err = tx.Commit(t.Context(), CommitOptions{})
	require.NoError(t, err)

	assert.Equal(t, session.Stats{Multiplexed: true}, pool.Stats())
	assert.Len(t, tr.Calls("CreateSession"), 1)
	begins := transporttest.Requests[*sppb.BeginTransactionRequest](tr)
	require.Len(t, begins, 1)
	assert.NotNil(t, begins[0].GetMutationKey().GetInsert())
}
