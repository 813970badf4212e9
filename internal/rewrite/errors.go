package rewrite

import (
	"fmt"
	"strings"
)

// Denial is one import the policy refused.
type Denial struct {
	Line      int    `json:"line"`
	Statement string `json:"statement"`
	Module    string `json:"module"`
	Attribute string `json:"attribute,omitempty"`
	Reason    string `json:"reason"`
}

// PolicyViolation is returned when any import in a program is denied. The
// program is not rewritten and must not be executed.
type PolicyViolation struct {
	Denials []Denial
}

func (e *PolicyViolation) Error() string {
	parts := make([]string, len(e.Denials))
	for i, d := range e.Denials {
		parts[i] = fmt.Sprintf("line %d: %s", d.Line, d.Reason)
	}
	return "policy violation: " + strings.Join(parts, "; ")
}

// Modules returns the denied module paths in source order.
func (e *PolicyViolation) Modules() []string {
	mods := make([]string, len(e.Denials))
	for i, d := range e.Denials {
		mods[i] = d.Module
	}
	return mods
}

// ParseError is a syntax or static resolution error found while rewriting.
type ParseError struct {
	Filename string
	Line     int
	Col      int
	Msg      string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.Filename, e.Line, e.Col, e.Msg)
}
