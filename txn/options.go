package txn

import (
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/apstndb/spanner-txcore/resultstream"
	"github.com/apstndb/spanner-txcore/wire"
)

// Config is shared by every transaction of a Client.
type Config struct {
	Logger *zap.Logger

	// Stream is the base configuration of result streams. Logger defaults to Config.Logger.
	Stream resultstream.Options
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c Config) streamOptions() resultstream.Options {
	opts := c.Stream
	if opts.Logger == nil {
		opts.Logger = c.Logger
	}
	return opts
}

// ReadOnlyOptions configures a snapshot.
type ReadOnlyOptions struct {
	Bound wire.TimestampBound

	// ReturnReadTimestamp defaults to true.
	ReturnReadTimestamp *bool
}

func (o ReadOnlyOptions) encode() *sppb.TransactionOptions_ReadOnly {
	return wire.EncodeTimestampBounds(o.Bound, lo.FromPtrOr(o.ReturnReadTimestamp, true))
}

// ReadWriteOptions configures a read-write transaction.
type ReadWriteOptions struct {
	IsolationLevel sppb.TransactionOptions_IsolationLevel
	ReadLockMode   sppb.TransactionOptions_ReadWrite_ReadLockMode

	// PreviousTransactionID is the id of an aborted attempt on a multiplexed session.
	PreviousTransactionID []byte

	ExcludeTxnFromChangeStreams bool

	// TransactionTag is stamped into every request of the transaction.
	TransactionTag string
}

func (o ReadWriteOptions) encode() *sppb.TransactionOptions {
	return &sppb.TransactionOptions{
		Mode: &sppb.TransactionOptions_ReadWrite_{ReadWrite: &sppb.TransactionOptions_ReadWrite{
			ReadLockMode:                           o.ReadLockMode,
			MultiplexedSessionPreviousTransactionId: o.PreviousTransactionID,
		}},
		IsolationLevel:              o.IsolationLevel,
		ExcludeTxnFromChangeStreams: o.ExcludeTxnFromChangeStreams,
	}
}

// PartitionedDMLOptions configures a partitioned DML transaction.
type PartitionedDMLOptions struct {
	ExcludeTxnFromChangeStreams bool
	TransactionTag              string
}

func (o PartitionedDMLOptions) encode() *sppb.TransactionOptions {
	return &sppb.TransactionOptions{
		Mode:                        &sppb.TransactionOptions_PartitionedDml_{PartitionedDml: &sppb.TransactionOptions_PartitionedDml{}},
		ExcludeTxnFromChangeStreams: o.ExcludeTxnFromChangeStreams,
	}
}

// CommitOptions configures Commit.
type CommitOptions struct {
	ReturnCommitStats bool
	MaxCommitDelay    *time.Duration
	Priority          sppb.RequestOptions_Priority
}

func (o CommitOptions) maxCommitDelay() *durationpb.Duration {
	if o.MaxCommitDelay == nil {
		return nil
	}
	return durationpb.New(*o.MaxCommitDelay)
}

// CommitResult is the outcome of a successful Commit.
type CommitResult struct {
	CommitTimestamp time.Time
	CommitStats     *sppb.CommitResponse_CommitStats
}

// Statement is a SQL statement with its parameters.
type Statement struct {
	SQL string

	// Params are encoded by wire.EncodeParams. ParamTypes override inferred types.
	Params     map[string]any
	ParamTypes map[string]*sppb.Type

	QueryMode    sppb.ExecuteSqlRequest_QueryMode
	QueryOptions *sppb.ExecuteSqlRequest_QueryOptions
	Priority     sppb.RequestOptions_Priority
	RequestTag   string
}

// NewStatement returns a statement without parameters.
func NewStatement(sql string) Statement {
	return Statement{SQL: sql}
}

// ReadRequest describes a read of a table or index.
type ReadRequest struct {
	Table   string
	Index   string
	Columns []string

	// Keys and Ranges select the rows; all rows are read when both are empty.
	// KeySet, when set, is used as is.
	Keys   []wire.Key
	Ranges []wire.KeyRange
	KeySet *sppb.KeySet

	Limit      int64
	Priority   sppb.RequestOptions_Priority
	RequestTag string
}

// Result is a buffered result set.
type Result struct {
	Rows     []*resultstream.Row
	Metadata *sppb.ResultSetMetadata
	Stats    *sppb.ResultSetStats
}

// RowCount returns the exact row count of a DML result, or its lower bound for partitioned DML.
func (r *Result) RowCount() int64 {
	return rowCount(r.Stats)
}

func rowCount(stats *sppb.ResultSetStats) int64 {
	switch rc := stats.GetRowCount().(type) {
	case *sppb.ResultSetStats_RowCountExact:
		return rc.RowCountExact
	case *sppb.ResultSetStats_RowCountLowerBound:
		return rc.RowCountLowerBound
	default:
		return 0
	}
}
