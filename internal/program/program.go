// Package program holds the values that flow through the sandbox pipeline:
// the untrusted submission and its rewritten, policy-mediated form.
package program

import (
	"time"

	"github.com/google/uuid"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/reasonance-lab/streamcoder/internal/policy"
)

// Origin records where a submission's text came from.
type Origin string

const (
	OriginEditor     Origin = "editor"
	OriginLLM        Origin = "llm"
	OriginRepository Origin = "repository"
	OriginCLI        Origin = "cli"
	OriginMCP        Origin = "mcp"
)

// SourceUnit is one immutable submission of untrusted program text.
type SourceUnit struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Text        string    `json:"text"`
	Origin      Origin    `json:"origin"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewSourceUnit stamps a new submission with an ID and the current time.
func NewSourceUnit(identity, text string, origin Origin) *SourceUnit {
	return &SourceUnit{
		ID:          uuid.New().String(),
		Identity:    identity,
		Text:        text,
		Origin:      origin,
		SubmittedAt: time.Now().UTC(),
	}
}

const (
	// ImportFunc is the predeclared name rewritten import statements call.
	ImportFunc = "__sandbox_import__"
	// Filename is the name sandboxed programs are compiled under.
	Filename = "main.star"
)

// Binding is one slot of a rewritten program's import table.
type Binding struct {
	Slot       int                  `json:"slot"`
	Request    policy.ImportRequest `json:"request"`
	Grant      policy.Grant         `json:"grant"`
	Capability starlark.Value       `json:"-"`
}

// Rewritten is a SourceUnit whose import statements were replaced by
// calls to ImportFunc. Text has the same line count as the source.
type Rewritten struct {
	Filename      string    `json:"filename"`
	Text          string    `json:"text"`
	Bindings      []Binding `json:"bindings"`
	PolicyVersion string    `json:"policy_version"`

	// Compiled is set by the rewriter after a successful check so an
	// in-process executor can skip recompiling Text.
	Compiled *starlark.Program `json:"-"`
}

// FileOptions is the dialect every sandboxed program is parsed and run with.
func FileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}
