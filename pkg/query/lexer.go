package query

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tEOF tokenKind = iota
	tIdent
	tNumber
	tString   // 'single' or "double" quoted string literal
	tBacktick // `json` literal
	tDot
	tPipe
	tLBracket
	tRBracket
	tLBrace
	tRBrace
	tLParen
	tRParen
	tComma
	tColon
	tStar
	tQuestion
	tAmp
	tAt
	tEq
	tNe
	tLt
	tLe
	tGt
	tGe
	tAnd
	tOr
	tNot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex splits an expression into tokens. Position is the byte offset of the
// token start, carried through to ParseError.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '.':
			toks = append(toks, token{tDot, ".", i})
			i++
		case c == '[':
			toks = append(toks, token{tLBracket, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tRBracket, "]", i})
			i++
		case c == '{':
			toks = append(toks, token{tLBrace, "{", i})
			i++
		case c == '}':
			toks = append(toks, token{tRBrace, "}", i})
			i++
		case c == '(':
			toks = append(toks, token{tLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tComma, ",", i})
			i++
		case c == ':':
			toks = append(toks, token{tColon, ":", i})
			i++
		case c == '*':
			toks = append(toks, token{tStar, "*", i})
			i++
		case c == '?':
			toks = append(toks, token{tQuestion, "?", i})
			i++
		case c == '@':
			toks = append(toks, token{tAt, "@", i})
			i++
		case c == '|':
			if i+1 < len(src) && src[i+1] == '|' {
				toks = append(toks, token{tOr, "||", i})
				i += 2
			} else {
				toks = append(toks, token{tPipe, "|", i})
				i++
			}
		case c == '&':
			if i+1 < len(src) && src[i+1] == '&' {
				toks = append(toks, token{tAnd, "&&", i})
				i += 2
			} else {
				toks = append(toks, token{tAmp, "&", i})
				i++
			}
		case c == '=':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tEq, "==", i})
				i += 2
			} else {
				return nil, &ParseError{Pos: i, Msg: "unexpected '=' (did you mean '==')"}
			}
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tNe, "!=", i})
				i += 2
			} else {
				toks = append(toks, token{tNot, "!", i})
				i++
			}
		case c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tLe, "<=", i})
				i += 2
			} else {
				toks = append(toks, token{tLt, "<", i})
				i++
			}
		case c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tGe, ">=", i})
				i += 2
			} else {
				toks = append(toks, token{tGt, ">", i})
				i++
			}
		case c == '\'' || c == '"':
			str, n, err := lexString(src[i:], rune(c))
			if err != nil {
				return nil, &ParseError{Pos: i, Msg: err.Error()}
			}
			toks = append(toks, token{tString, str, i})
			i += n
		case c == '`':
			end := strings.IndexByte(src[i+1:], '`')
			if end < 0 {
				return nil, &ParseError{Pos: i, Msg: "unterminated literal"}
			}
			toks = append(toks, token{tBacktick, src[i+1 : i+1+end], i})
			i += end + 2
		case c == '-' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tNumber, src[i:j], i})
			i = j
		case isIdentStart(rune(c)):
			j := i + 1
			for j < len(src) && isIdentPart(rune(src[j])) {
				j++
			}
			toks = append(toks, token{tIdent, src[i:j], i})
			i = j
		default:
			return nil, &ParseError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{tEOF, "", len(src)})
	return toks, nil
}

func lexString(src string, quote rune) (string, int, error) {
	var sb strings.Builder
	i := 1 // skip opening quote
	for i < len(src) {
		c := src[i]
		if rune(c) == quote {
			return sb.String(), i + 1, nil
		}
		if c == '\\' && i+1 < len(src) {
			next := src[i+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(next)
			}
			i += 2
			continue
		}
		sb.WriteByte(c)
		i++
	}
	return "", 0, fmt.Errorf("unterminated string")
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
