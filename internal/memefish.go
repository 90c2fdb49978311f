// Package internal holds the SQL lexing helpers of the command line tool.
package internal

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/cloudspannerecosystem/memefish"
	"github.com/cloudspannerecosystem/memefish/token"
	"github.com/samber/lo"
)

// RawStatement is one statement of an input, without its terminator.
type RawStatement struct {
	Pos, End   token.Pos
	Statement  string
	Terminator string
}

// ErrUnclosed reports an input which ends inside a string literal or comment.
type ErrUnclosed struct {
	WaitingString string
}

func (e *ErrUnclosed) Error() string {
	return fmt.Sprintf("input ends before %v", e.WaitingString)
}

// lexerSeq adapts memefish.Lexer to iter.Seq2. The EOF token is yielded last.
func lexerSeq(lexer *memefish.Lexer) iter.Seq2[token.Token, error] {
	return func(yield func(token.Token, error) bool) {
		for {
			if err := lexer.NextToken(); err != nil {
				_ = yield(lexer.Token, err)
				return
			}

			if lexer.Token.Kind == token.TokenEOF {
				_ = yield(lexer.Token, nil)
				return
			}

			if !yield(lexer.Token, nil) {
				return
			}
		}
	}
}

// SplitStatements splits s at terminating semicolons.
// Comments are kept with the following statement; segments without any token are dropped.
// filepath can be empty, it is only used in error messages.
//
// [terminating semicolons]: https://cloud.google.com/spanner/docs/reference/standard-sql/lexical#terminating_semicolons
func SplitStatements(filepath, s string) ([]RawStatement, error) {
	lexer := newLexer(filepath, s)

	var results []RawStatement
	pos := token.InvalidPos
	for tok, err := range lexerSeq(lexer) {
		if err != nil {
			if err, ok := lo.ErrorsAs[*memefish.Error](err); ok {
				return results, toErrUnclosed(err, lexer.Buffer[tok.Pos:])
			}
			return results, err
		}

		switch tok.Kind {
		case token.TokenEOF:
			if !pos.Invalid() {
				results = append(results, RawStatement{Statement: strings.TrimSpace(s[pos:tok.Pos]), Pos: pos, End: tok.Pos})
			}
			return results, nil
		case ";":
			if !pos.Invalid() {
				results = append(results, RawStatement{Statement: strings.TrimSpace(s[pos:tok.Pos]), Pos: pos, End: tok.End, Terminator: ";"})
			}
			pos = token.InvalidPos
		default:
			if pos.Invalid() {
				first, ok := lo.First(tok.Comments)
				pos = lo.Ternary(ok, first.Pos, tok.Pos)
			}
		}
	}
	return results, nil
}

const (
	errMessageUnclosedTripleQuotedStringLiteral = `unclosed triple-quoted string literal`
	errMessageUnclosedComment                   = `unclosed comment`
)

// NOTE: memefish.Error.Message can be changed.
func toErrUnclosed(err *memefish.Error, head string) error {
	switch {
	case err.Message == errMessageUnclosedTripleQuotedStringLiteral && strings.HasPrefix(head, `"""`):
		return &ErrUnclosed{WaitingString: `"""`}
	case err.Message == errMessageUnclosedTripleQuotedStringLiteral:
		return &ErrUnclosed{WaitingString: `'''`}
	case err.Message == errMessageUnclosedComment:
		return &ErrUnclosed{WaitingString: `*/`}
	default:
		return err
	}
}

var errNoValidToken = errors.New("no valid token before EOF")

// FirstNonHintToken returns the first token after any statement hint.
// filepath can be empty, it is only used in error messages.
func FirstNonHintToken(filepath, s string) (token.Token, error) {
	var inHint bool
	for tok, err := range lexerSeq(newLexer(filepath, s)) {
		switch {
		case err != nil:
			return tok, err
		case tok.Kind == token.TokenEOF:
			return tok, errNoValidToken
		case tok.Kind == "@":
			inHint = true
		case inHint && tok.Kind == "}":
			inHint = false
		case inHint:
		default:
			return tok, nil
		}
	}

	panic("unreachable end of FirstNonHintToken")
}

// SimpleStripComments joins the tokens of s with single spaces, dropping comments.
func SimpleStripComments(filepath, s string) (string, error) {
	var b strings.Builder
	for tok, err := range lexerSeq(newLexer(filepath, s)) {
		if err != nil {
			return "", err
		}
		if tok.Kind == token.TokenEOF {
			break
		}
		if b.Len() > 0 {
			b.WriteRune(' ')
		}
		b.WriteString(tok.Raw)
	}
	return b.String(), nil
}

// ParamNames returns the names of the query parameters referenced in s, in order of first appearance.
func ParamNames(filepath, s string) ([]string, error) {
	var names []string
	for tok, err := range lexerSeq(newLexer(filepath, s)) {
		if err != nil {
			return nil, err
		}
		if tok.Kind == token.TokenParam {
			names = append(names, strings.TrimPrefix(tok.Raw, "@"))
		}
	}
	return lo.Uniq(names), nil
}

func newLexer(filepath string, s string) *memefish.Lexer {
	return &memefish.Lexer{
		File: &token.File{
			FilePath: filepath,
			Buffer:   s,
		},
	}
}
