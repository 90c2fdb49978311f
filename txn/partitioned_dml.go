package txn

import (
	"context"

	"github.com/apstndb/spanner-txcore/session"
	"github.com/apstndb/spanner-txcore/transport"
)

// PartitionedDML runs one partitioned DML statement. It is not reusable.
type PartitionedDML struct {
	handle
}

// NewPartitionedDML returns a partitioned DML transaction on s.
func NewPartitionedDML(tr transport.Transport, s *session.Session, opts PartitionedDMLOptions, cfg Config) *PartitionedDML {
	st := newState(tr, s, cfg, capabilities{partitioned: true})
	st.pdml = opts
	return &PartitionedDML{handle{st}}
}

// Begin starts the partitioned DML transaction.
func (t *PartitionedDML) Begin(ctx context.Context) error {
	return t.st.begin(ctx)
}

// RunUpdate begins the transaction if needed, executes stmt and ends the transaction whatever the outcome.
// The returned count is a lower bound of the affected rows.
func (t *PartitionedDML) RunUpdate(ctx context.Context, stmt Statement) (int64, error) {
	defer t.st.end()
	if t.st.currentID() == nil {
		if err := t.st.begin(ctx); err != nil {
			return 0, err
		}
	}
	return t.st.runUpdate(ctx, stmt)
}
