package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/reasonance-lab/streamcoder/internal/filestore"
	"github.com/reasonance-lab/streamcoder/internal/program"
	"github.com/reasonance-lab/streamcoder/internal/rewrite"
	"github.com/reasonance-lab/streamcoder/internal/runner"
	"github.com/reasonance-lab/streamcoder/internal/storage"
)

// NewSandboxServer exposes the runner as MCP tools: sandbox_run,
// sandbox_check, sandbox_result and sandbox_policy.
func NewSandboxServer(r *runner.Runner) *server.MCPServer {
	s := server.NewMCPServer("streamcoder-sandbox-runner", "0.1.0", server.WithToolCapabilities(false))

	s.AddTool(mcp.Tool{
		Name: "sandbox_run",
		Description: "Run a program in the import-restricted sandbox and return its result as JSON. " +
			"Pass either 'source' or a repository 'repo' and 'path'.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"identity": map[string]any{
					"type":        "string",
					"description": "Session the result is stored under (defaults to repo:path, or 'mcp')",
				},
				"source": map[string]any{
					"type":        "string",
					"description": "Program text to run",
				},
				"repo": map[string]any{
					"type":        "string",
					"description": "Repository holding the program (used when source is omitted)",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Path of the program inside the repository",
				},
			},
		},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		identity := request.GetString("identity", "")
		source := request.GetString("source", "")
		repo, path := request.GetString("repo", ""), request.GetString("path", "")

		if source == "" {
			if repo == "" || path == "" {
				return errResult("error: provide 'source', or 'repo' and 'path'"), nil
			}
			res, err := r.RunFile(ctx, identity, repo, path)
			if err != nil {
				return errResult(fmt.Sprintf("error: %v", err)), nil
			}
			return jsonResult(res)
		}

		if identity == "" {
			identity = "mcp"
		}
		res, err := r.Submit(ctx, identity, program.NewSourceUnit(identity, source, program.OriginMCP))
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
		return jsonResult(res)
	})

	s.AddTool(mcp.Tool{
		Name:        "sandbox_check",
		Description: "Check a program's imports against the policy without running it.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"source": map[string]any{
					"type":        "string",
					"description": "Program text to check",
				},
			},
			Required: []string{"source"},
		},
	}, func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		source, err := request.RequireString("source")
		if err != nil {
			return errResult("error: 'source' is required"), nil
		}
		rw, err := r.Check(program.NewSourceUnit("check", source, program.OriginMCP))
		var pv *rewrite.PolicyViolation
		var pe *rewrite.ParseError
		switch {
		case errors.As(err, &pv):
			return jsonResult(map[string]any{"allowed": false, "denials": pv.Denials})
		case errors.As(err, &pe):
			return jsonResult(map[string]any{"allowed": false, "parse_error": pe})
		case err != nil:
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
		return jsonResult(map[string]any{"allowed": true, "bindings": rw.Bindings, "policy_version": rw.PolicyVersion})
	})

	s.AddTool(mcp.Tool{
		Name:        "sandbox_result",
		Description: "Return the latest stored session for an identity.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"identity": map[string]any{
					"type":        "string",
					"description": "Session identity",
				},
			},
			Required: []string{"identity"},
		},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		identity, err := request.RequireString("identity")
		if err != nil {
			return errResult("error: 'identity' is required"), nil
		}
		sess, err := r.Get(ctx, identity)
		if errors.Is(err, storage.ErrNotFound) {
			return errResult(fmt.Sprintf("error: no session for %s", identity)), nil
		}
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
		data, err := storage.ExportJSON(sess)
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
		return textResult(string(data)), nil
	})

	s.AddTool(mcp.Tool{
		Name:        "sandbox_policy",
		Description: "Describe the import allow-list and the modules the sandbox can provide.",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}, func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(map[string]any{
			"policy":    r.Policy(),
			"available": r.Catalog().Names(),
			"isolation": r.Isolation(),
			"limits":    r.Limits(),
		})
	})

	return s
}

// NewRepoServer exposes a file store as MCP tools: repo_list_repos,
// repo_list_files, repo_read_file and repo_write_file.
func NewRepoServer(files filestore.Store) *server.MCPServer {
	s := server.NewMCPServer("streamcoder-repo-files", "0.1.0", server.WithToolCapabilities(false))

	repoProp := map[string]any{
		"type":        "string",
		"description": "Repository name (owner/name, or name under the configured owner)",
	}
	pathProp := map[string]any{
		"type":        "string",
		"description": "File path inside the repository",
	}

	s.AddTool(mcp.Tool{
		Name:        "repo_list_repos",
		Description: "List repositories visible to the file store.",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}, func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repos, err := files.ListRepos(ctx)
		if err != nil {
			return errResult(fmt.Sprintf("error listing repositories: %v", err)), nil
		}
		var lines []string
		for _, r := range repos {
			lines = append(lines, r.FullName)
		}
		return textResult(strings.Join(lines, "\n")), nil
	})

	s.AddTool(mcp.Tool{
		Name:        "repo_list_files",
		Description: "List every file in a repository.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"repo": repoProp},
			Required:   []string{"repo"},
		},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repo, err := request.RequireString("repo")
		if err != nil {
			return errResult("error: 'repo' is required"), nil
		}
		paths, err := files.List(ctx, repo)
		if err != nil {
			return errResult(fmt.Sprintf("error listing %s: %v", repo, err)), nil
		}
		return textResult(strings.Join(paths, "\n")), nil
	})

	s.AddTool(mcp.Tool{
		Name:        "repo_read_file",
		Description: "Read a file. The result is JSON with the content and the revision to pass to repo_write_file.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"repo": repoProp, "path": pathProp},
			Required:   []string{"repo", "path"},
		},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repo, path := request.GetString("repo", ""), request.GetString("path", "")
		if repo == "" || path == "" {
			return errResult("error: 'repo' and 'path' are required"), nil
		}
		f, err := files.Read(ctx, repo, path)
		if err != nil {
			return errResult(fmt.Sprintf("error reading file: %v", err)), nil
		}
		return jsonResult(f)
	})

	s.AddTool(mcp.Tool{
		Name:        "repo_write_file",
		Description: "Write a file. Pass the revision from repo_read_file to update; omit it to create a new file.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"repo": repoProp,
				"path": pathProp,
				"content": map[string]any{
					"type":        "string",
					"description": "New file content",
				},
				"revision": map[string]any{
					"type":        "string",
					"description": "Revision the content is based on",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "Commit message",
				},
			},
			Required: []string{"repo", "path", "content"},
		},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repo, path := request.GetString("repo", ""), request.GetString("path", "")
		content, err := request.RequireString("content")
		if repo == "" || path == "" || err != nil {
			return errResult("error: 'repo', 'path' and 'content' are required"), nil
		}
		revision, message := request.GetString("revision", ""), request.GetString("message", "")

		var f *filestore.File
		if revision == "" {
			f, err = files.Create(ctx, repo, path, content, message)
		} else {
			f, err = files.Write(ctx, repo, path, content, revision, message)
		}
		var ce *filestore.ConflictError
		if errors.As(err, &ce) {
			return errResult(fmt.Sprintf("conflict: %v; read the file again and retry", ce)), nil
		}
		if err != nil {
			return errResult(fmt.Sprintf("error writing file: %v", err)), nil
		}
		return textResult(fmt.Sprintf("wrote %d bytes to %s/%s at revision %s", len(content), repo, f.Path, f.Revision)), nil
	})

	return s
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult(fmt.Sprintf("error encoding result: %v", err)), nil
	}
	return textResult(string(data)), nil
}
