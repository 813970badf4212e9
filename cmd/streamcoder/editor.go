package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/reasonance-lab/streamcoder/internal/filestore"
	"github.com/reasonance-lab/streamcoder/internal/llm"
	"github.com/reasonance-lab/streamcoder/internal/program"
	"github.com/reasonance-lab/streamcoder/internal/runner"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
	"github.com/reasonance-lab/streamcoder/internal/storage"
)

// editor holds the state of one interactive editing session: the open
// file, its buffer and the last generated proposal.
type editor struct {
	out        io.Writer
	runner     *runner.Runner
	gen        llm.Generator // nil when no provider is configured
	profile    *llm.Profile
	maxContext int

	repo     string
	path     string
	revision string // empty for a file not yet saved
	buffer   string
	proposal string
}

// identity is the session identity runs of the buffer are stored under.
func (e *editor) identity() string {
	if e.repo == "" {
		return "edit"
	}
	return runner.FileIdentity(e.repo, e.path)
}

// exec handles one input line and reports whether the session should end.
// Plain text is treated as a /gen instruction.
func (e *editor) exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		e.generate(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		fmt.Fprintln(e.out, "Goodbye!")
		return true
	case "/open":
		if len(fields) != 3 {
			fmt.Fprintln(e.out, "usage: /open <repo> <path>")
			return false
		}
		e.open(ctx, fields[1], fields[2])
	case "/show":
		e.show()
	case "/gen":
		if rest == "" {
			fmt.Fprintln(e.out, "usage: /gen <instruction>")
			return false
		}
		e.generate(ctx, rest)
	case "/accept":
		if e.proposal == "" {
			fmt.Fprintln(e.out, "Nothing to accept; use /gen first.")
			return false
		}
		e.buffer, e.proposal = e.proposal, ""
		fmt.Fprintf(e.out, "Buffer replaced (%d lines).\n", lineCount(e.buffer))
	case "/run":
		e.run(ctx)
	case "/save":
		e.save(ctx, rest)
	case "/result":
		e.result(ctx)
	case "/help":
		fmt.Fprintln(e.out, "Commands:")
		fmt.Fprintln(e.out, "  /open <repo> <path> - Load a repository file into the buffer")
		fmt.Fprintln(e.out, "  /show               - Print the buffer")
		fmt.Fprintln(e.out, "  /gen <instruction>  - Ask the model to rewrite the buffer")
		fmt.Fprintln(e.out, "  /accept             - Replace the buffer with the last proposal")
		fmt.Fprintln(e.out, "  /run                - Run the buffer in the sandbox")
		fmt.Fprintln(e.out, "  /save [message]     - Save the buffer to the repository")
		fmt.Fprintln(e.out, "  /result             - Show the stored result for this file")
		fmt.Fprintln(e.out, "  /quit               - Exit")
		fmt.Fprintln(e.out, "Text without a slash is a /gen instruction.")
	default:
		fmt.Fprintf(e.out, "Unknown command: %s (try /help)\n", fields[0])
	}
	return false
}

func (e *editor) open(ctx context.Context, repo, path string) {
	files := e.runner.Files()
	if files == nil {
		fmt.Fprintln(e.out, "error: no file store configured")
		return
	}
	f, err := files.Read(ctx, repo, path)
	switch {
	case errors.Is(err, filestore.ErrNotFound):
		clean, cerr := filestore.CleanPath(path)
		if cerr != nil {
			fmt.Fprintf(e.out, "error: %v\n", cerr)
			return
		}
		e.repo, e.path, e.revision, e.buffer, e.proposal = repo, clean, "", "", ""
		fmt.Fprintf(e.out, "New file %s:%s (created on /save).\n", repo, clean)
	case err != nil:
		fmt.Fprintf(e.out, "error: %v\n", err)
	default:
		e.repo, e.path, e.revision, e.buffer, e.proposal = repo, f.Path, f.Revision, f.Content, ""
		fmt.Fprintf(e.out, "Opened %s:%s (%d lines, revision %s).\n", repo, f.Path, lineCount(f.Content), shortRev(f.Revision))
	}
}

func (e *editor) show() {
	if e.buffer == "" {
		fmt.Fprintln(e.out, "(empty buffer)")
		return
	}
	for i, l := range strings.Split(strings.TrimRight(e.buffer, "\n"), "\n") {
		fmt.Fprintf(e.out, "%4d  %s\n", i+1, l)
	}
}

func (e *editor) generate(ctx context.Context, instruction string) {
	if e.gen == nil {
		fmt.Fprintln(e.out, "error: no generation provider configured")
		return
	}
	req := e.profile.Apply(llm.Request{
		Prompt:  instruction,
		Context: llm.TrimContext(e.buffer, e.maxContext),
	})
	reply, err := e.gen.GenerateStream(ctx, req, func(delta string) {
		fmt.Fprint(e.out, delta)
	})
	fmt.Fprintln(e.out)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(e.out, "(interrupted)")
			return
		}
		fmt.Fprintf(e.out, "error: %v\n", err)
		return
	}
	e.proposal = llm.ExtractCode(reply)
	fmt.Fprintln(e.out, "Proposal ready: /accept to take it, /show to compare.")
}

func (e *editor) run(ctx context.Context) {
	if strings.TrimSpace(e.buffer) == "" {
		fmt.Fprintln(e.out, "Buffer is empty.")
		return
	}
	identity := e.identity()
	ctx = sandbox.WithOutput(ctx, func(chunk string) { fmt.Fprint(e.out, chunk) })
	res, err := e.runner.Submit(ctx, identity, program.NewSourceUnit(identity, e.buffer, program.OriginEditor))
	if err != nil {
		fmt.Fprintf(e.out, "error: %v\n", err)
		return
	}
	printSummary(e.out, res)
}

func (e *editor) save(ctx context.Context, message string) {
	if e.repo == "" {
		fmt.Fprintln(e.out, "No file open; use /open first.")
		return
	}
	files := e.runner.Files()
	if files == nil {
		fmt.Fprintln(e.out, "error: no file store configured")
		return
	}

	var (
		f   *filestore.File
		err error
	)
	if e.revision == "" {
		f, err = files.Create(ctx, e.repo, e.path, e.buffer, message)
	} else {
		f, err = files.Write(ctx, e.repo, e.path, e.buffer, e.revision, message)
	}
	var conflict *filestore.ConflictError
	if errors.As(err, &conflict) {
		fmt.Fprintf(e.out, "conflict: %v\nThe file changed since it was opened; /open it again and reapply your edits.\n", conflict)
		return
	}
	if err != nil {
		fmt.Fprintf(e.out, "error: %v\n", err)
		return
	}
	e.revision = f.Revision
	fmt.Fprintf(e.out, "Saved %s:%s (revision %s).\n", e.repo, f.Path, shortRev(f.Revision))
}

func (e *editor) result(ctx context.Context) {
	sess, err := e.runner.Get(ctx, e.identity())
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintln(e.out, "No runs yet.")
		return
	}
	if err != nil {
		fmt.Fprintf(e.out, "error: %v\n", err)
		return
	}
	fmt.Fprint(e.out, storage.ExportMarkdown(sess))
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimRight(s, "\n"), "\n") + 1
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
