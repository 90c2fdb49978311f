// Package stmtkind classifies SQL statements by the RPC family which can execute them.
package stmtkind

import (
	"fmt"

	"github.com/cloudspannerecosystem/memefish"

	"github.com/apstndb/spanner-txcore/enums"
)

type StatementKind int

const (
	StatementKindInvalid StatementKind = iota
	StatementKindQuery
	StatementKindDDL
	StatementKindDML

	// StatementKindCall is a CALL statement. It is executed like a query.
	// https://cloud.google.com/spanner/docs/reference/standard-sql/procedural-language#call
	StatementKindCall

	// StatementKindGraph is a GRAPH statement. It is executed like a query.
	// https://cloud.google.com/spanner/docs/reference/standard-sql/graph-query-statements
	StatementKindGraph
)

func (k StatementKind) String() string {
	switch k {
	case StatementKindQuery:
		return "Query"
	case StatementKindDDL:
		return "DDL"
	case StatementKindDML:
		return "DML"
	case StatementKindCall:
		return "CALL"
	case StatementKindGraph:
		return "Graph"
	case StatementKindInvalid:
		return "Invalid"
	default:
		return fmt.Sprintf("UNKNOWN(%v)", int(k))
	}
}

func (k StatementKind) IsDDL() bool {
	return k == StatementKindDDL
}

func (k StatementKind) IsDML() bool {
	return k == StatementKindDML
}

// IsQueryLike is true for statements which return rows through a read-only transaction.
func (k StatementKind) IsQueryLike() bool {
	return k == StatementKindQuery || k == StatementKindCall || k == StatementKindGraph
}

// IsExecuteSQLCompatible is true for every valid statement except DDL.
func (k StatementKind) IsExecuteSQLCompatible() bool {
	return k != StatementKindInvalid && !k.IsDDL()
}

// Detect classifies s according to mode.
//
// ParseModeFallback uses memefish and falls back to the first token when s can't be parsed
// or is a statement memefish doesn't classify.
func Detect(s string, mode enums.ParseMode) (StatementKind, error) {
	if mode == enums.ParseModeNoMemefish {
		return DetectLexical(s)
	}

	stmt, err := memefish.ParseStatement("", s)
	switch {
	case err != nil && mode == enums.ParseModeMemefishOnly:
		return StatementKindInvalid, err
	case err != nil:
		return DetectLexical(s)
	}

	if kind := DetectSemantic(stmt); kind != StatementKindInvalid || mode == enums.ParseModeMemefishOnly {
		return kind, nil
	}
	return DetectLexical(s)
}
