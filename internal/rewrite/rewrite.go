// Package rewrite turns untrusted program text into a form where every
// import statement is a call through the sandbox's import function, after
// each request has been decided by the policy resolver.
package rewrite

import (
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/reasonance-lab/streamcoder/internal/policy"
	"github.com/reasonance-lab/streamcoder/internal/program"
)

// Rewrite resolves every import in unit and replaces each statement with
// bindings of the form "name = __sandbox_import__(slot)". It fails with
// *PolicyViolation if any request is denied and with *ParseError if the
// rewritten text does not compile. Line numbers are preserved.
func Rewrite(unit *program.SourceUnit, resolver *policy.Resolver) (*program.Rewritten, error) {
	src := unit.Text

	toks, err := tokenize(src)
	if err != nil {
		var le *lexError
		if errors.As(err, &le) {
			return nil, &ParseError{Filename: program.Filename, Line: le.line, Col: le.col, Msg: le.msg}
		}
		return nil, err
	}

	stmts, err := findImports(src, toks)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Filename = program.Filename
		}
		return nil, err
	}

	var (
		denials  []Denial
		bindings []program.Binding
	)
	for _, st := range stmts {
		for _, req := range st.requests {
			d := resolver.Resolve(req)
			if !d.Allowed() {
				denials = append(denials, Denial{
					Line:      req.Line,
					Statement: st.text,
					Module:    req.Module,
					Attribute: req.Attribute,
					Reason:    d.Reason,
				})
				continue
			}
			bindings = append(bindings, program.Binding{
				Slot:       len(bindings),
				Request:    req,
				Grant:      d.Grant,
				Capability: d.Capability,
			})
		}
	}
	if len(denials) > 0 {
		return nil, &PolicyViolation{Denials: denials}
	}

	text := splice(src, stmts)
	compiled, err := compile(text)
	if err != nil {
		return nil, err
	}

	return &program.Rewritten{
		Filename:      program.Filename,
		Text:          text,
		Bindings:      bindings,
		PolicyVersion: resolver.Set().Version,
		Compiled:      compiled,
	}, nil
}

// splice replaces each statement span with its binding calls. Newlines the
// statement spanned go inside the last call's parentheses.
func splice(src string, stmts []importStmt) string {
	var b strings.Builder
	b.Grow(len(src))
	prev, slot := 0, 0
	for _, st := range stmts {
		b.WriteString(src[prev:st.start])
		calls := make([]string, len(st.requests))
		for i, req := range st.requests {
			calls[i] = fmt.Sprintf("%s = %s(%d)", req.Bound(), program.ImportFunc, slot)
			slot++
		}
		if n := strings.Count(src[st.start:st.end], "\n"); n > 0 {
			last := calls[len(calls)-1]
			calls[len(calls)-1] = last[:len(last)-1] + strings.Repeat("\n", n) + ")"
		}
		b.WriteString(strings.Join(calls, "; "))
		prev = st.end
	}
	b.WriteString(src[prev:])
	return b.String()
}

// compile parses and resolves text in the sandbox dialect. Only universe
// built-ins and the import function are visible.
func compile(text string) (*starlark.Program, error) {
	isPredeclared := func(name string) bool { return name == program.ImportFunc }
	_, prog, err := starlark.SourceProgramOptions(program.FileOptions(), program.Filename, text, isPredeclared)
	if err == nil {
		return prog, nil
	}

	var serr syntax.Error
	if errors.As(err, &serr) {
		return nil, &ParseError{Filename: program.Filename, Line: int(serr.Pos.Line), Col: int(serr.Pos.Col), Msg: serr.Msg}
	}
	var rerrs resolve.ErrorList
	if errors.As(err, &rerrs) && len(rerrs) > 0 {
		first := rerrs[0]
		return nil, &ParseError{Filename: program.Filename, Line: int(first.Pos.Line), Col: int(first.Pos.Col), Msg: first.Msg}
	}
	return nil, &ParseError{Filename: program.Filename, Line: 1, Col: 1, Msg: err.Error()}
}
