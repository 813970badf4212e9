package rewrite

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokName tokenKind = iota
	tokNumber
	tokString
	tokOp
	tokNewline
	tokEOF
)

// token is a lexical token with its byte span in the source. depth is the
// bracket nesting level the token was read at.
type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
	line  int
	col   int
	depth int
}

// lexError is a tokenizer failure at a source position.
type lexError struct {
	line, col int
	msg       string
}

func (e *lexError) Error() string { return fmt.Sprintf("%d:%d: %s", e.line, e.col, e.msg) }

// lexer splits Python-dialect source into the tokens needed to find
// statement boundaries. Newlines inside brackets and after a backslash
// continuation do not end a logical line.
type lexer struct {
	src       string
	pos       int
	line      int
	lineStart int
	depth     int
	toks      []token
}

func tokenize(src string) ([]token, error) {
	lx := &lexer{src: src, line: 1}
	if err := lx.run(); err != nil {
		return nil, err
	}
	return lx.toks, nil
}

func (lx *lexer) errorf(format string, args ...any) error {
	return &lexError{line: lx.line, col: lx.pos - lx.lineStart + 1, msg: fmt.Sprintf(format, args...)}
}

func (lx *lexer) emit(kind tokenKind, start, line, col int) {
	lx.toks = append(lx.toks, token{
		kind:  kind,
		text:  lx.src[start:lx.pos],
		start: start,
		end:   lx.pos,
		line:  line,
		col:   col,
		depth: lx.depth,
	})
}

func (lx *lexer) newline() {
	lx.line++
	lx.lineStart = lx.pos
}

func (lx *lexer) lastIsNewline() bool {
	return len(lx.toks) == 0 || lx.toks[len(lx.toks)-1].kind == tokNewline
}

func (lx *lexer) run() error {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		start, line, col := lx.pos, lx.line, lx.pos-lx.lineStart+1

		switch {
		case c == ' ' || c == '\t' || c == '\f':
			lx.pos++

		case c == '\r' || c == '\n':
			if c == '\r' && lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '\n' {
				lx.pos++
			}
			lx.pos++
			if lx.depth == 0 && !lx.lastIsNewline() {
				lx.toks = append(lx.toks, token{kind: tokNewline, text: "\n", start: start, end: lx.pos, line: line, col: col})
			}
			lx.newline()

		case c == '#':
			for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' && lx.src[lx.pos] != '\r' {
				lx.pos++
			}

		case c == '\\':
			lx.pos++
			switch {
			case strings.HasPrefix(lx.src[lx.pos:], "\r\n"):
				lx.pos += 2
			case lx.pos < len(lx.src) && lx.src[lx.pos] == '\n':
				lx.pos++
			default:
				return lx.errorf("unexpected character after line continuation")
			}
			lx.newline()

		case c == '"' || c == '\'':
			if err := lx.scanString(start); err != nil {
				return err
			}
			lx.emit(tokString, start, line, col)

		case isIdentStart(lx.src[lx.pos:]):
			lx.scanIdent()
			word := lx.src[start:lx.pos]
			if isStringPrefix(word) && lx.pos < len(lx.src) && (lx.src[lx.pos] == '"' || lx.src[lx.pos] == '\'') {
				if err := lx.scanString(start); err != nil {
					return err
				}
				lx.emit(tokString, start, line, col)
				continue
			}
			lx.emit(tokName, start, line, col)

		case isDigit(c) || (c == '.' && lx.pos+1 < len(lx.src) && isDigit(lx.src[lx.pos+1])):
			lx.scanNumber()
			lx.emit(tokNumber, start, line, col)

		default:
			lx.pos++
			switch c {
			case '(', '[', '{':
				lx.emit(tokOp, start, line, col)
				lx.depth++
			case ')', ']', '}':
				if lx.depth > 0 {
					lx.depth--
				}
				lx.emit(tokOp, start, line, col)
			default:
				lx.emit(tokOp, start, line, col)
			}
		}
	}

	if !lx.lastIsNewline() {
		lx.toks = append(lx.toks, token{kind: tokNewline, start: lx.pos, end: lx.pos, line: lx.line, col: lx.pos - lx.lineStart + 1})
	}
	lx.toks = append(lx.toks, token{kind: tokEOF, start: lx.pos, end: lx.pos, line: lx.line, col: lx.pos - lx.lineStart + 1})
	return nil
}

// scanString consumes a string literal whose prefix (if any) starts at start
// and whose opening quote is at lx.pos.
func (lx *lexer) scanString(start int) error {
	quote := lx.src[lx.pos]
	triple := strings.HasPrefix(lx.src[lx.pos:], strings.Repeat(string(quote), 3))
	if triple {
		lx.pos += 3
	} else {
		lx.pos++
	}

	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == '\\':
			lx.pos++
			if lx.pos < len(lx.src) {
				if lx.src[lx.pos] == '\n' {
					lx.pos++
					lx.newline()
					continue
				}
				lx.pos++
			}
		case c == '\n':
			if !triple {
				return lx.errorf("unterminated string literal")
			}
			lx.pos++
			lx.newline()
		case c == quote:
			if !triple {
				lx.pos++
				return nil
			}
			if strings.HasPrefix(lx.src[lx.pos:], strings.Repeat(string(quote), 3)) {
				lx.pos += 3
				return nil
			}
			lx.pos++
		default:
			lx.pos++
		}
	}
	return &lexError{line: lx.line, col: start - lx.lineStart + 1, msg: "unterminated string literal"}
}

func (lx *lexer) scanIdent() {
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return
		}
		lx.pos += size
	}
}

func (lx *lexer) scanNumber() {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case isDigit(c) || c == '_' || c == '.' || (c|0x20 >= 'a' && c|0x20 <= 'z'):
			lx.pos++
		case (c == '+' || c == '-') && (lx.src[lx.pos-1]|0x20) == 'e':
			lx.pos++
		default:
			return
		}
	}
}

func isIdentStart(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r == '_' || unicode.IsLetter(r)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isStringPrefix(word string) bool {
	if len(word) > 2 {
		return false
	}
	for _, r := range strings.ToLower(word) {
		if r != 'r' && r != 'b' && r != 'u' && r != 'f' {
			return false
		}
	}
	return true
}
