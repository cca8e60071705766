package expr

import (
	"fmt"
	"strings"
	"unicode"
)

// maxExpressionLength bounds lexer input so adversarial rules cannot stall
// the evaluation path.
const maxExpressionLength = 4096

type lexer struct {
	input string
	pos   int
}

func lex(input string) ([]token, error) {
	if len(input) > maxExpressionLength {
		return nil, &Error{Kind: ErrKindParse, Detail: fmt.Sprintf("expression exceeds %d characters", maxExpressionLength)}
	}

	l := &lexer{input: input}
	var tokens []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.kind == tokEOF {
			return tokens, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	ch := l.input[l.pos]

	switch {
	case ch >= '0' && ch <= '9':
		return l.lexNumber(start), nil
	case ch == '\'' || ch == '"':
		return l.lexString(start, ch)
	case ch == '_' || unicode.IsLetter(rune(ch)):
		return l.lexIdent(start), nil
	}

	two := ""
	if l.pos+1 < len(l.input) {
		two = l.input[l.pos : l.pos+2]
	}
	switch two {
	case ">=":
		l.pos += 2
		return token{kind: tokGE, text: two, pos: start}, nil
	case "<=":
		l.pos += 2
		return token{kind: tokLE, text: two, pos: start}, nil
	case "==":
		l.pos += 2
		return token{kind: tokEQ, text: two, pos: start}, nil
	case "!=":
		l.pos += 2
		return token{kind: tokNE, text: two, pos: start}, nil
	}

	single := map[byte]tokenKind{
		'+': tokPlus, '-': tokMinus, '*': tokStar, '/': tokSlash,
		'%': tokPercent, '>': tokGT, '<': tokLT,
		'(': tokLParen, ')': tokRParen, '[': tokLBracket, ']': tokRBracket,
		',': tokComma, '.': tokDot,
	}
	if kind, ok := single[ch]; ok {
		l.pos++
		return token{kind: kind, text: string(ch), pos: start}, nil
	}

	return token{}, &Error{
		Kind:   ErrKindParse,
		Detail: fmt.Sprintf("unexpected character %q at position %d", string(ch), start),
	}
}

func (l *lexer) lexNumber(start int) token {
	for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '.') {
		l.pos++
	}
	return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}
}

func (l *lexer) lexString(start int, quote byte) (token, error) {
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch ch {
		case quote:
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		case '\\':
			if l.pos+1 >= len(l.input) {
				return token{}, &Error{Kind: ErrKindParse, Detail: "unterminated escape in string literal"}
			}
			l.pos++
			switch esc := l.input[l.pos]; esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(esc)
			}
			l.pos++
		default:
			sb.WriteByte(ch)
			l.pos++
		}
	}
	return token{}, &Error{
		Kind:   ErrKindParse,
		Detail: fmt.Sprintf("unterminated string literal at position %d", start),
	}
}

func (l *lexer) lexIdent(start int) token {
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '_' || isDigit(ch) || unicode.IsLetter(rune(ch)) {
			l.pos++
			continue
		}
		break
	}
	text := l.input[start:l.pos]
	if kind, ok := keywords[text]; ok {
		return token{kind: kind, text: text, pos: start}
	}
	return token{kind: tokIdent, text: text, pos: start}
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }
