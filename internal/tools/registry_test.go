package tools_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reasonance-lab/streamcoder/internal/filestore"
	"github.com/reasonance-lab/streamcoder/internal/policy"
	"github.com/reasonance-lab/streamcoder/internal/runner"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
	"github.com/reasonance-lab/streamcoder/internal/storage/memory"
	"github.com/reasonance-lab/streamcoder/internal/tools"
)

// These integration tests require the tool server binaries to be built first.
// Run: make build-tools && go test ./internal/tools/ -v
// The in-process tests below need no binaries.

func binPath(name string) string {
	// Walk up from the test's working directory to find the project root bin/
	wd, _ := os.Getwd()
	for d := wd; d != "/"; d = filepath.Dir(d) {
		candidate := filepath.Join(d, "bin", name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return filepath.Join("bin", name) // fallback
}

func skipIfNoBinary(t *testing.T, name string) string {
	t.Helper()
	path := binPath(name)
	if _, err := os.Stat(path); err != nil {
		t.Skipf("binary %s not found at %s (run make build-tools first)", name, path)
	}
	return path
}

// --- Registry tests ---

func TestRegistryEmpty(t *testing.T) {
	r := tools.NewRegistry()
	defer r.Close()

	if r.HasTools() {
		t.Fatal("empty registry should not have tools")
	}
	if got := r.AllTools(); len(got) != 0 {
		t.Fatalf("AllTools() = %d, want 0", len(got))
	}

	_, err := r.CallTool(context.Background(), "nonexistent", nil)
	if err == nil {
		t.Fatal("CallTool on empty registry should return error")
	}
}

func TestRegistrySkipsDisabled(t *testing.T) {
	r := tools.NewRegistry()
	defer r.Close()

	err := r.Register("disabled-server", tools.ToolServerConfig{
		Binary:  "/nonexistent/binary",
		Enabled: false,
	})
	if err != nil {
		t.Fatalf("Register disabled server should not error: %v", err)
	}
	if r.HasTools() {
		t.Fatal("disabled server should not register tools")
	}
}

func TestRegistryBadBinary(t *testing.T) {
	r := tools.NewRegistry()
	defer r.Close()

	err := r.Register("bad", tools.ToolServerConfig{
		Binary:  "/nonexistent/binary",
		Enabled: true,
	})
	if err == nil {
		t.Fatal("Register with bad binary should return error")
	}
}

// --- in-process servers ---

func testFiles(t *testing.T) *filestore.LocalStore {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "scratch"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "scratch", "hello.star"), []byte("print('from repo')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	files, err := filestore.NewLocalStore(root)
	if err != nil {
		t.Fatal(err)
	}
	return files
}

func sandboxRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	set, err := policy.NewSet("tools-test", policy.Rule{Module: "math", Open: true})
	if err != nil {
		t.Fatal(err)
	}
	files := testFiles(t)
	rn, err := runner.New(runner.Options{
		Executor: sandbox.NewInterpreter(),
		Store:    memory.New(),
		Policy:   set,
		Files:    files,
	})
	if err != nil {
		t.Fatal(err)
	}

	r := tools.NewRegistry()
	t.Cleanup(r.Close)
	for name, srv := range map[string]func() *tools.MCPConnection{
		"sandbox-runner": func() *tools.MCPConnection {
			conn, err := tools.NewInProcessConnection("sandbox-runner", tools.NewSandboxServer(rn))
			if err != nil {
				t.Fatal(err)
			}
			return conn
		},
		"repo-files": func() *tools.MCPConnection {
			conn, err := tools.NewInProcessConnection("repo-files", tools.NewRepoServer(files))
			if err != nil {
				t.Fatal(err)
			}
			return conn
		},
	} {
		if err := r.Attach(name, srv()); err != nil {
			t.Fatalf("Attach %s: %v", name, err)
		}
	}
	return r
}

func TestInProcessToolDiscovery(t *testing.T) {
	r := sandboxRegistry(t)

	var names []string
	for _, td := range r.AllTools() {
		names = append(names, td.Name)
		if td.Description == "" {
			t.Errorf("%s has no description", td.Name)
		}
	}
	want := "repo_list_files,repo_list_repos,repo_read_file,repo_write_file,sandbox_check,sandbox_policy,sandbox_result,sandbox_run"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("tools = %s\nwant    %s", got, want)
	}
}

func TestSandboxRunTool(t *testing.T) {
	r := sandboxRegistry(t)
	ctx := context.Background()

	result, err := r.CallTool(ctx, "sandbox_run", map[string]any{
		"identity": "mcp-test",
		"source":   "import math\nprint(math.sqrt(16))",
	})
	if err != nil {
		t.Fatalf("sandbox_run: %v", err)
	}
	var res sandbox.ExecutionResult
	if err := json.Unmarshal([]byte(result), &res); err != nil {
		t.Fatalf("decoding %q: %v", result, err)
	}
	if res.Status != sandbox.StatusSucceeded || res.Output != "4.0\n" {
		t.Errorf("result = %+v", res)
	}

	result, err = r.CallTool(ctx, "sandbox_run", map[string]any{"source": "import os"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, `"status": "denied"`) {
		t.Errorf("denied run result: %s", result)
	}

	result, err = r.CallTool(ctx, "sandbox_run", map[string]any{"repo": "scratch", "path": "hello.star"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "from repo") {
		t.Errorf("repository run result: %s", result)
	}

	result, err = r.CallTool(ctx, "sandbox_result", map[string]any{"identity": "mcp-test"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, `"identity": "mcp-test"`) {
		t.Errorf("sandbox_result: %s", result)
	}

	result, err = r.CallTool(ctx, "sandbox_result", map[string]any{"identity": "nobody"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(result, "error:") {
		t.Errorf("expected error for unknown identity, got %q", result)
	}
}

func TestSandboxCheckAndPolicyTools(t *testing.T) {
	r := sandboxRegistry(t)
	ctx := context.Background()

	result, err := r.CallTool(ctx, "sandbox_check", map[string]any{"source": "import os\nimport socket"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, `"allowed": false`) || !strings.Contains(result, "socket") {
		t.Errorf("sandbox_check: %s", result)
	}

	result, err = r.CallTool(ctx, "sandbox_policy", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "tools-test") || !strings.Contains(result, `"math"`) {
		t.Errorf("sandbox_policy: %s", result)
	}
}

func TestRepoFileTools(t *testing.T) {
	r := sandboxRegistry(t)
	ctx := context.Background()

	result, err := r.CallTool(ctx, "repo_list_files", map[string]any{"repo": "scratch"})
	if err != nil {
		t.Fatal(err)
	}
	if result != "hello.star" {
		t.Errorf("repo_list_files = %q", result)
	}

	result, err = r.CallTool(ctx, "repo_read_file", map[string]any{"repo": "scratch", "path": "hello.star"})
	if err != nil {
		t.Fatal(err)
	}
	var f filestore.File
	if err := json.Unmarshal([]byte(result), &f); err != nil {
		t.Fatalf("decoding %q: %v", result, err)
	}

	result, err = r.CallTool(ctx, "repo_write_file", map[string]any{
		"repo": "scratch", "path": "hello.star", "content": "print(2)\n", "revision": f.Revision,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "wrote 9 bytes") {
		t.Errorf("repo_write_file = %q", result)
	}

	result, err = r.CallTool(ctx, "repo_write_file", map[string]any{
		"repo": "scratch", "path": "hello.star", "content": "print(3)\n", "revision": f.Revision,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "conflict") {
		t.Errorf("stale write = %q, want conflict", result)
	}
}

func TestAttachRejectsDuplicateTools(t *testing.T) {
	r := sandboxRegistry(t)
	files := testFiles(t)
	conn, err := tools.NewInProcessConnection("again", tools.NewRepoServer(files))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Attach("again", conn); err == nil {
		t.Error("expected duplicate tool error")
	}
}

// --- binary integration tests ---

func TestRepoFilesBinary(t *testing.T) {
	bin := skipIfNoBinary(t, "streamcoder-tool-repo-files")

	r := tools.NewRegistry()
	defer r.Close()

	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "scratch"), 0o755)
	err := r.Register("repo-files", tools.ToolServerConfig{
		Binary:  bin,
		Enabled: true,
		Env:     map[string]string{"STREAMCODER_FILES_BACKEND": "local", "STREAMCODER_FILES_ROOT": root},
	})
	if err != nil {
		t.Fatalf("Register repo-files: %v", err)
	}

	result, err := r.CallTool(context.Background(), "repo_list_repos", nil)
	if err != nil {
		t.Fatalf("repo_list_repos: %v", err)
	}
	if !strings.Contains(result, "scratch") {
		t.Errorf("unexpected result: %q", result)
	}
}
