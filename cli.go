package main

import (
	"context"
	"fmt"
	"io"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/samber/lo"

	"github.com/apstndb/spanner-txcore/enums"
	"github.com/apstndb/spanner-txcore/internal"
	"github.com/apstndb/spanner-txcore/resultstream"
	"github.com/apstndb/spanner-txcore/stmtkind"
	"github.com/apstndb/spanner-txcore/txn"
)

// Cli executes batches of SQL statements.
type Cli struct {
	Client    *txn.Client
	Config    *cliConfig
	OutStream io.Writer
	ErrStream io.Writer

	printer resultPrinter
}

func newCLI(client *txn.Client, cfg *cliConfig, out, errOut io.Writer) (*Cli, error) {
	formatter, err := newValueFormatter(cfg.Descriptors)
	if err != nil {
		return nil, err
	}
	return &Cli{
		Client:    client,
		Config:    cfg,
		OutStream: out,
		ErrStream: errOut,
		printer:   newResultPrinter(cfg.Format, cfg.Verbose, formatter, cfg.OutputTemplate),
	}, nil
}

type rowCountType int

const (
	rowCountTypeExact rowCountType = iota
	rowCountTypeLowerBound
)

// Result is the outcome of one statement.
type Result struct {
	SQL string

	Columns []*sppb.StructType_Field
	Rows    []*resultstream.Row
	Stats   *sppb.ResultSetStats

	IsMutation       bool
	AffectedRows     int64
	AffectedRowsType rowCountType

	// BatchSize is the number of DML statements sent in the same batch DML call.
	BatchSize int

	ReadTimestamp   time.Time
	CommitTimestamp time.Time
	CommitStats     *sppb.CommitResponse_CommitStats
}

// classifiedStatement is a statement of the input with its kind.
type classifiedStatement struct {
	SQL  string
	Kind stmtkind.StatementKind
}

// buildStatements splits input and classifies every statement. DDL is rejected before anything is executed.
func buildStatements(input string, mode enums.ParseMode) ([]classifiedStatement, error) {
	raws, err := internal.SplitStatements("", input)
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, errEmptyInput
	}

	stmts := make([]classifiedStatement, 0, len(raws))
	for _, raw := range raws {
		kind, err := stmtkind.Detect(raw.Statement, mode)
		if err != nil {
			return nil, fmt.Errorf("invalid statement: %w", err)
		}
		switch {
		case kind.IsDDL():
			return nil, fmt.Errorf("%w: %s", errDDLUnsupported, raw.Statement)
		case !kind.IsExecuteSQLCompatible():
			return nil, fmt.Errorf("unsupported statement: %s", raw.Statement)
		}
		stmts = append(stmts, classifiedStatement{SQL: raw.Statement, Kind: kind})
	}
	return stmts, nil
}

// RunBatch executes input statement by statement and stops at the first error.
// Consecutive DML statements share one read-write transaction unless they run as partitioned DML.
func (c *Cli) RunBatch(ctx context.Context, input string) error {
	stmts, err := buildStatements(input, c.Config.ParseMode)
	if err != nil {
		c.PrintBatchError(err)
		return NewExitCodeError(exitCodeError)
	}

	for len(stmts) > 0 {
		var results []*Result
		switch {
		case stmts[0].Kind.IsDML() && c.Config.DMLMode != enums.DMLModePartitionedNonAtomic:
			_, n, ok := lo.FindIndexOf(stmts, func(s classifiedStatement) bool { return !s.Kind.IsDML() })
			n = lo.Ternary(ok, n, len(stmts))
			results, err = c.executeDMLs(ctx, stmts[:n])
			stmts = stmts[n:]
		case stmts[0].Kind.IsDML():
			var result *Result
			result, err = c.executePartitionedDML(ctx, stmts[0].SQL)
			results = lo.Ternary(err == nil, []*Result{result}, nil)
			stmts = stmts[1:]
		default:
			var result *Result
			result, err = c.executeQuery(ctx, stmts[0].SQL)
			results = lo.Ternary(err == nil, []*Result{result}, nil)
			stmts = stmts[1:]
		}

		for _, result := range results {
			if err := c.printer.Print(c.OutStream, result); err != nil {
				c.PrintBatchError(err)
				return NewExitCodeError(exitCodeError)
			}
		}

		if err != nil {
			c.PrintBatchError(err)
			return NewExitCodeError(exitCodeError)
		}
	}

	return nil
}

func (c *Cli) PrintBatchError(err error) {
	printError(c.ErrStream, err)
}

// statement binds the parameters referenced by sql.
func (c *Cli) statement(sql string) (txn.Statement, error) {
	names, err := internal.ParamNames("", sql)
	if err != nil {
		return txn.Statement{}, err
	}

	return txn.Statement{
		SQL:        sql,
		Params:     lo.PickByKeys(c.Config.Params, names),
		Priority:   c.Config.Priority,
		RequestTag: c.Config.RequestTag,
	}, nil
}

func (c *Cli) executeQuery(ctx context.Context, sql string) (*Result, error) {
	stmt, err := c.statement(sql)
	if err != nil {
		return nil, err
	}
	if c.Config.Verbose {
		stmt.QueryMode = sppb.ExecuteSqlRequest_PROFILE
	}

	snapshot, err := c.Client.Single(ctx, c.Config.Bound)
	if err != nil {
		return nil, err
	}

	rs, err := snapshot.Run(ctx, stmt)
	if err != nil {
		return nil, err
	}

	return &Result{
		SQL:           sql,
		Columns:       rs.Metadata.GetRowType().GetFields(),
		Rows:          rs.Rows,
		Stats:         rs.Stats,
		AffectedRows:  int64(len(rs.Rows)),
		ReadTimestamp: snapshot.ReadTimestamp(),
	}, nil
}

// executeDMLs runs stmts in one read-write transaction and commits it.
// Results of the statements are returned only when the commit succeeds.
func (c *Cli) executeDMLs(ctx context.Context, stmts []classifiedStatement) ([]*Result, error) {
	tx, err := c.Client.ReadWriteTransaction(ctx, c.Config.ReadWrite)
	if err != nil {
		return nil, err
	}
	defer tx.End()

	results, err := c.runDMLs(ctx, tx, stmts)
	if err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			c.PrintBatchError(fmt.Errorf("rollback failed: %w", rbErr))
		}
		return nil, err
	}

	commitResult, err := tx.Commit(ctx, c.Config.Commit)
	if err != nil {
		return nil, err
	}

	for _, result := range results {
		result.CommitTimestamp = commitResult.CommitTimestamp
		result.CommitStats = commitResult.CommitStats
	}
	return results, nil
}

func (c *Cli) runDMLs(ctx context.Context, tx *txn.Transaction, stmts []classifiedStatement) ([]*Result, error) {
	txnStmts := make([]txn.Statement, 0, len(stmts))
	for _, s := range stmts {
		stmt, err := c.statement(s.SQL)
		if err != nil {
			return nil, err
		}
		txnStmts = append(txnStmts, stmt)
	}

	if c.Config.DMLMode == enums.DMLModeBatch {
		counts, err := tx.BatchUpdate(ctx, txnStmts)
		if err != nil {
			return nil, err
		}
		return lo.Map(counts, func(n int64, i int) *Result {
			return &Result{SQL: stmts[i].SQL, IsMutation: true, AffectedRows: n, BatchSize: len(stmts)}
		}), nil
	}

	results := make([]*Result, 0, len(stmts))
	for i, stmt := range txnStmts {
		rs, err := tx.Run(ctx, stmt)
		if err != nil {
			return nil, err
		}
		results = append(results, &Result{
			SQL:          stmts[i].SQL,
			Columns:      rs.Metadata.GetRowType().GetFields(),
			Rows:         rs.Rows,
			Stats:        rs.Stats,
			IsMutation:   true,
			AffectedRows: rs.RowCount(),
		})
	}
	return results, nil
}

func (c *Cli) executePartitionedDML(ctx context.Context, sql string) (*Result, error) {
	stmt, err := c.statement(sql)
	if err != nil {
		return nil, err
	}

	n, err := c.Client.PartitionedUpdate(ctx, stmt, c.Config.PDML)
	if err != nil {
		return nil, err
	}
	return &Result{SQL: sql, IsMutation: true, AffectedRows: n, AffectedRowsType: rowCountTypeLowerBound}, nil
}
