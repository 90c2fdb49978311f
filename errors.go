package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/apstndb/spanner-txcore/txn"
)

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// ExitCodeError represents an error that only carries an exit code without a message
type ExitCodeError struct {
	exitCode int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit code: %d", e.exitCode)
}

// NewExitCodeError returns nil for exitCodeSuccess.
func NewExitCodeError(exitCode int) error {
	if exitCode == exitCodeSuccess {
		return nil
	}

	return &ExitCodeError{
		exitCode: exitCode,
	}
}

// GetExitCode returns the exit code carried by err, exitCodeSuccess for nil and exitCodeError otherwise.
func GetExitCode(err error) int {
	if err == nil {
		return exitCodeSuccess
	}

	var exitCodeErr *ExitCodeError
	if errors.As(err, &exitCodeErr) {
		return exitCodeErr.exitCode
	}

	return exitCodeError
}

var (
	errDDLUnsupported = errors.New("DDL statements are not supported")
	errEmptyInput     = errors.New("no statements in input")
)

var errorColor = color.New(color.FgRed, color.Bold)

// printError writes err in the "ERROR: spanner: code=..., desc: ..." form for remote errors.
func printError(w io.Writer, err error) {
	var batchErr *txn.BatchUpdateError
	if errors.As(err, &batchErr) {
		errorColor.Fprint(w, "ERROR:")
		fmt.Fprintf(w, " batch DML failed after %d statements\n", len(batchErr.RowCounts))
		err = batchErr.Err
	}

	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.Unknown {
		errorColor.Fprint(w, "ERROR:")
		fmt.Fprintf(w, " %s\n", err)
		return
	}

	unescaped := strings.NewReplacer(`\"`, `"`,
		`\'`, `'`,
		`\\`, `\`,
		`\n`, "\n").Replace(st.Message())

	errorColor.Fprint(w, "ERROR:")
	fmt.Fprintf(w, " spanner: code=%q, desc: %v\n", st.Code(), unescaped)
}
