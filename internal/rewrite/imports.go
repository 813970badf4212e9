package rewrite

import (
	"fmt"
	"strings"

	"github.com/reasonance-lab/streamcoder/internal/policy"
)

// importStmt is one import statement and the byte span it occupies.
type importStmt struct {
	start    int
	end      int
	line     int
	text     string
	requests []policy.ImportRequest
}

// Keywords that open a compound statement header ending in ':'. The body
// may follow on the same line, so the token after the colon starts a
// statement.
var compoundKeywords = map[string]bool{
	"if": true, "elif": true, "else": true, "while": true, "for": true,
	"def": true, "class": true, "try": true, "except": true, "finally": true,
	"with": true,
}

var keywords = map[string]bool{
	"and": true, "as": true, "assert": true, "break": true, "class": true,
	"continue": true, "def": true, "del": true, "elif": true, "else": true,
	"except": true, "finally": true, "for": true, "from": true, "global": true,
	"if": true, "import": true, "in": true, "is": true, "lambda": true,
	"nonlocal": true, "not": true, "or": true, "pass": true, "raise": true,
	"return": true, "try": true, "while": true, "with": true, "yield": true,
}

// findImports walks the token stream statement by statement and parses
// every statement that begins with "import" or "from".
func findImports(src string, toks []token) ([]importStmt, error) {
	var stmts []importStmt
	atStart := true
	header := false
	lambdas := 0

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind == tokEOF {
			break
		}
		if t.kind == tokNewline || (t.kind == tokOp && t.text == ";" && t.depth == 0) {
			atStart, header, lambdas = true, false, 0
			continue
		}

		if atStart {
			atStart = false
			if t.kind == tokName && (t.text == "import" || t.text == "from") {
				p := &importParser{src: src, toks: toks, i: i}
				st, err := p.statement()
				if err != nil {
					return nil, err
				}
				stmts = append(stmts, st)
				i = p.i - 1
				continue
			}
			header = t.kind == tokName && compoundKeywords[t.text]
			continue
		}

		if header && t.depth == 0 {
			switch {
			case t.kind == tokName && t.text == "lambda":
				lambdas++
			case t.kind == tokOp && t.text == ":":
				if lambdas > 0 {
					lambdas--
				} else {
					header = false
					atStart = true
				}
			}
		}
	}
	return stmts, nil
}

type importParser struct {
	src  string
	toks []token
	i    int
}

func (p *importParser) peek() token { return p.toks[p.i] }

func (p *importParser) advance() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *importParser) isOp(s string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == s
}

func (p *importParser) isName(s string) bool {
	t := p.peek()
	return t.kind == tokName && t.text == s
}

func (p *importParser) errorf(t token, format string, args ...any) error {
	return &ParseError{Line: t.line, Col: t.col, Msg: fmt.Sprintf(format, args...)}
}

func (p *importParser) describe(t token) string {
	switch t.kind {
	case tokNewline:
		return "newline"
	case tokEOF:
		return "end of file"
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

func (p *importParser) name() (token, error) {
	t := p.peek()
	if t.kind != tokName || keywords[t.text] {
		return t, p.errorf(t, "invalid import statement: expected name, got %s", p.describe(t))
	}
	p.i++
	return t, nil
}

func (p *importParser) dotted() (token, string, error) {
	first, err := p.name()
	if err != nil {
		return first, "", err
	}
	path := first.text
	for p.isOp(".") {
		p.i++
		seg, err := p.name()
		if err != nil {
			return first, "", err
		}
		path += "." + seg.text
	}
	return first, path, nil
}

func (p *importParser) alias() (string, error) {
	if !p.isName("as") {
		return "", nil
	}
	p.i++
	t, err := p.name()
	return t.text, err
}

func (p *importParser) statement() (importStmt, error) {
	first := p.advance()
	var reqs []policy.ImportRequest

	if first.text == "import" {
		for {
			at, mod, err := p.dotted()
			if err != nil {
				return importStmt{}, err
			}
			alias, err := p.alias()
			if err != nil {
				return importStmt{}, err
			}
			reqs = append(reqs, policy.ImportRequest{Module: mod, Alias: alias, Line: at.line})
			if !p.isOp(",") {
				break
			}
			p.i++
		}
	} else {
		module := ""
		for p.isOp(".") {
			module += "."
			p.i++
		}
		if !p.isName("import") {
			_, mod, err := p.dotted()
			if err != nil {
				return importStmt{}, err
			}
			module += mod
		} else if module == "" {
			return importStmt{}, p.errorf(p.peek(), "invalid import statement: missing module name")
		}
		if !p.isName("import") {
			return importStmt{}, p.errorf(p.peek(), "invalid import statement: expected \"import\", got %s", p.describe(p.peek()))
		}
		p.i++

		if p.isOp("*") {
			star := p.advance()
			reqs = append(reqs, policy.ImportRequest{Module: module, Attribute: "*", Line: star.line})
		} else {
			paren := p.isOp("(")
			if paren {
				p.i++
			}
			for {
				attr, err := p.name()
				if err != nil {
					return importStmt{}, err
				}
				alias, err := p.alias()
				if err != nil {
					return importStmt{}, err
				}
				reqs = append(reqs, policy.ImportRequest{Module: module, Attribute: attr.text, Alias: alias, Line: attr.line})
				if !p.isOp(",") {
					break
				}
				p.i++
				if paren && p.isOp(")") {
					break
				}
			}
			if paren {
				if !p.isOp(")") {
					return importStmt{}, p.errorf(p.peek(), "invalid import statement: expected \")\", got %s", p.describe(p.peek()))
				}
				p.i++
			}
		}
	}

	if t := p.peek(); t.kind != tokNewline && t.kind != tokEOF && !(t.kind == tokOp && t.text == ";" && t.depth == 0) {
		return importStmt{}, p.errorf(t, "invalid import statement: unexpected %s", p.describe(t))
	}

	end := p.toks[p.i-1].end
	return importStmt{
		start:    first.start,
		end:      end,
		line:     first.line,
		text:     strings.Join(strings.Fields(p.src[first.start:end]), " "),
		requests: reqs,
	}, nil
}
