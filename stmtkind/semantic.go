package stmtkind

import (
	"github.com/cloudspannerecosystem/memefish/ast"
	"github.com/samber/lo"
)

type astKind struct {
	kind    StatementKind
	matches func(ast.Statement) bool
}

// astKinds is checked in order; the first match wins.
var astKinds = []astKind{
	{StatementKindQuery, implements[*ast.QueryStatement]},
	{StatementKindDML, implements[ast.DML]},
	{StatementKindDDL, implements[ast.DDL]},
}

func implements[T any](stmt ast.Statement) bool {
	_, ok := stmt.(T)
	return ok
}

// DetectSemantic classifies a statement parsed by memefish by the RPC family which executes it.
// Any other statement is StatementKindInvalid, and Detect then falls back to its first token.
func DetectSemantic(stmt ast.Statement) StatementKind {
	entry, ok := lo.Find(astKinds, func(e astKind) bool { return stmt != nil && e.matches(stmt) })
	return lo.Ternary(ok, entry.kind, StatementKindInvalid)
}
