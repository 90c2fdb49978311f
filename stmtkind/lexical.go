package stmtkind

import (
	"fmt"

	"github.com/cloudspannerecosystem/memefish/token"
	"github.com/samber/lo"

	"github.com/apstndb/spanner-txcore/internal"
)

type firstTokens struct {
	kind   StatementKind
	tokens []string
}

var kindFirstTokens = []firstTokens{
	// https://cloud.google.com/spanner/docs/reference/standard-sql/data-definition-language
	{StatementKindDDL, []string{"CREATE", "ALTER", "DROP", "RENAME", "GRANT", "REVOKE", "ANALYZE"}},
	{StatementKindDML, []string{"INSERT", "DELETE", "UPDATE"}},

	// WITH starts a CTE, FROM starts a pipe syntax query.
	// https://cloud.google.com/spanner/docs/reference/standard-sql/query-syntax#sql_syntax
	{StatementKindQuery, []string{"SELECT", "WITH", "(", "FROM"}},
	{StatementKindGraph, []string{"GRAPH"}},
	{StatementKindCall, []string{"CALL"}},
}

// isKeywordLikeFuzzy is true when tok.IsKeywordLike(keywordLike) or tok.Kind == keywordLike
func isKeywordLikeFuzzy(tok token.Token, keywordLike string) bool {
	if tok.Kind == token.TokenIdent {
		return tok.IsKeywordLike(keywordLike)
	}
	return tok.Kind == token.TokenKind(keywordLike)
}

// DetectLexical classifies s by its first token after comments and statement hints.
func DetectLexical(s string) (StatementKind, error) {
	tok, err := internal.FirstNonHintToken("", s)
	if err != nil {
		return StatementKindInvalid, err
	}

	entry, ok := lo.Find(kindFirstTokens, func(e firstTokens) bool {
		return lo.SomeBy(e.tokens, func(kw string) bool { return isKeywordLikeFuzzy(tok, kw) })
	})
	if !ok {
		return StatementKindInvalid, fmt.Errorf("unknown statement with first token: %v", tok.Raw)
	}
	return entry.kind, nil
}
