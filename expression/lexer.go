package expression

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokPlus
	tokNot
	tokEq
	tokNe
	tokAnd
	tokOr
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case r == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case r == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case r == '+':
			tokens = append(tokens, token{tokPlus, "+", i})
			i++
		case r == '!':
			if i+1 < len(runes) && runes[i+1] == '=' {
				tokens = append(tokens, token{tokNe, "!=", i})
				i += 2
				continue
			}
			tokens = append(tokens, token{tokNot, "!", i})
			i++
		case r == '=':
			if i+1 >= len(runes) || runes[i+1] != '=' {
				return nil, fmt.Errorf("unexpected '=' at %d, did you mean '=='", i)
			}
			tokens = append(tokens, token{tokEq, "==", i})
			i += 2
		case r == '&':
			if i+1 >= len(runes) || runes[i+1] != '&' {
				return nil, fmt.Errorf("unexpected '&' at %d", i)
			}
			tokens = append(tokens, token{tokAnd, "&&", i})
			i += 2
		case r == '|':
			if i+1 >= len(runes) || runes[i+1] != '|' {
				return nil, fmt.Errorf("unexpected '|' at %d", i)
			}
			tokens = append(tokens, token{tokOr, "||", i})
			i += 2
		case r == '\'' || r == '"':
			start := i
			quote := r
			var sb strings.Builder
			i++
			closed := false
			for i < len(runes) {
				c := runes[i]
				if c == '\\' && i+1 < len(runes) {
					sb.WriteRune(runes[i+1])
					i += 2
					continue
				}
				if c == quote {
					closed = true
					i++
					break
				}
				sb.WriteRune(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string starting at %d", start)
			}
			tokens = append(tokens, token{tokString, sb.String(), start})
		case unicode.IsDigit(r):
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokNumber, string(runes[start:i]), start})
		case isIdentStart(r):
			start := i
			for i < len(runes) && isIdentPart(runes[i]) {
				i++
			}
			tokens = append(tokens, token{tokIdent, string(runes[start:i]), start})
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", r, i)
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(runes)})
	return tokens, nil
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}
