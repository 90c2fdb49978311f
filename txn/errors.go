package txn

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrTransactionEnded is returned by operations on an ended transaction.
	ErrTransactionEnded = errors.New("transaction has already ended")

	// ErrNoStatements is wrapped by the BatchUpdateError of an empty batch.
	ErrNoStatements = errors.New("no statements were provided")

	// ErrNoRows is returned by write mutations without rows.
	ErrNoRows = errors.New("no rows were provided")

	// ErrPrecommitRetryExhausted is returned when a retried commit asks to be retried again.
	ErrPrecommitRetryExhausted = errors.New("commit requested a second retry with a precommit token")

	// ErrSingleUse is returned by Begin on a single-use snapshot.
	ErrSingleUse = errors.New("single-use transactions can't be begun explicitly")

	// ErrSingleUseBound is returned by Begin when the timestamp bound is valid only for single-use reads.
	ErrSingleUseBound = errors.New("timestamp bound is only valid for single-use reads")
)

// MissingColumnsError reports a row whose columns differ from the first row of the same write.
type MissingColumnsError struct {
	Table string

	// Index is the position of the offending row.
	Index int

	// Missing are the columns of the first row absent from this row, sorted.
	Missing []string

	// Unexpected are the columns of this row absent from the first row, sorted.
	Unexpected []string
}

func (e *MissingColumnsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing columns: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected columns: %s", strings.Join(e.Unexpected, ", ")))
	}
	return fmt.Sprintf("row %d of the write to %s has %s", e.Index, e.Table, strings.Join(parts, "; "))
}

// BatchUpdateError is returned by BatchUpdate with the row counts of the statements executed before the failure.
type BatchUpdateError struct {
	RowCounts []int64
	Err       error
}

func (e *BatchUpdateError) Error() string {
	return fmt.Sprintf("batch update failed after %d statement(s): %v", len(e.RowCounts), e.Err)
}

func (e *BatchUpdateError) Unwrap() error { return e.Err }

func isSessionNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.NotFound && strings.Contains(st.Message(), "Session not found")
}
