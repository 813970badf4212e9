// Command streamcoder-tool-repo-files serves the configured file store over
// MCP stdio: repo_list_repos, repo_list_files, repo_read_file and
// repo_write_file. STREAMCODER_FILES_BACKEND and STREAMCODER_FILES_ROOT
// override the config file.
package main

import (
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/reasonance-lab/streamcoder/internal/config"
	"github.com/reasonance-lab/streamcoder/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	files, err := cfg.FileStore()
	if err != nil {
		log.Fatal(err)
	}

	if err := server.ServeStdio(tools.NewRepoServer(files)); err != nil {
		log.Printf("server error: %v", err)
	}
}
