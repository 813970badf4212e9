package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reasonance-lab/streamcoder/internal/filestore"
	"github.com/reasonance-lab/streamcoder/internal/llm"
	"github.com/reasonance-lab/streamcoder/internal/program"
	"github.com/reasonance-lab/streamcoder/internal/rewrite"
	"github.com/reasonance-lab/streamcoder/internal/runner"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
	"github.com/reasonance-lab/streamcoder/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// errorStatus maps an error to its HTTP status.
func errorStatus(err error) int {
	var (
		conflict *filestore.ConflictError
		genErr   *llm.GenerationError
		pv       *rewrite.PolicyViolation
		pe       *rewrite.ParseError
	)
	switch {
	case errors.Is(err, runner.ErrIdentityRequired):
		return http.StatusBadRequest
	case errors.Is(err, runner.ErrNoFileStore):
		return http.StatusNotImplemented
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, filestore.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &genErr):
		return http.StatusBadGateway
	case errors.As(err, &pv):
		return http.StatusForbidden
	case errors.As(err, &pe):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeFailure(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

// resultStatus is the HTTP status for a stored result: denials are 403 and
// programs that did not parse are 422. Everything that ran is 200.
func resultStatus(res *sandbox.ExecutionResult) int {
	switch {
	case res.Status == sandbox.StatusDenied:
		return http.StatusForbidden
	case res.Error != nil && res.Error.Kind == sandbox.KindParseError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

// identityParam reads the {identity} route segment. Identities such as
// repo:dir/file.star arrive path-escaped.
func identityParam(r *http.Request) string {
	raw := chi.URLParam(r, "identity")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

// --- Run handlers ---

type runRequest struct {
	Identity string `json:"identity"`
	Source   string `json:"source"`
	Origin   string `json:"origin"`
	Repo     string `json:"repo"`
	Path     string `json:"path"`
	Save     bool   `json:"save"`
	Revision string `json:"revision"`
	Message  string `json:"message"`
}

type runResponse struct {
	Identity string                   `json:"identity"`
	Result   *sandbox.ExecutionResult `json:"result"`
	File     *filestore.File          `json:"file,omitempty"`
}

func (req *runRequest) origin() (program.Origin, bool) {
	switch o := program.Origin(req.Origin); o {
	case "":
		return program.OriginEditor, true
	case program.OriginEditor, program.OriginLLM, program.OriginCLI:
		return o, true
	default:
		return "", false
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	origin, ok := req.origin()
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown origin: "+req.Origin)
		return
	}

	identity := req.Identity
	if identity == "" && req.Repo != "" && req.Path != "" {
		p, err := filestore.CleanPath(req.Path)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		identity = runner.FileIdentity(req.Repo, p)
	}
	ctx := sandbox.WithOutput(r.Context(), s.hub.Publisher(identity))

	resp := runResponse{Identity: identity}
	var err error
	switch {
	case req.Save:
		if req.Repo == "" || req.Path == "" {
			writeError(w, http.StatusBadRequest, "save needs repo and path")
			return
		}
		resp.File, resp.Result, err = s.runner.SaveAndRun(ctx, runner.SaveRequest{
			Identity: identity,
			Repo:     req.Repo,
			Path:     req.Path,
			Content:  req.Source,
			Revision: req.Revision,
			Message:  req.Message,
			Origin:   origin,
		})
	case req.Source != "":
		resp.Result, err = s.runner.Submit(ctx, identity, program.NewSourceUnit(identity, req.Source, origin))
	case req.Repo != "" && req.Path != "":
		resp.Result, err = s.runner.RunFile(ctx, identity, req.Repo, req.Path)
	default:
		writeError(w, http.StatusBadRequest, "source, or repo and path, is required")
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	s.hub.PublishResult(identity, resp.Result)
	writeJSON(w, resultStatus(resp.Result), resp)
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	running := s.runner.Running()
	if running == nil {
		running = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"running": running})
}

type checkRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	rw, err := s.runner.Check(program.NewSourceUnit("check", req.Source, program.OriginEditor))
	var (
		pv *rewrite.PolicyViolation
		pe *rewrite.ParseError
	)
	switch {
	case errors.As(err, &pv):
		writeJSON(w, http.StatusForbidden, map[string]any{"allowed": false, "denials": pv.Denials})
	case errors.As(err, &pe):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"allowed": false, "parse_error": pe})
	case err != nil:
		writeFailure(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"allowed":        true,
			"bindings":       rw.Bindings,
			"policy_version": rw.PolicyVersion,
			"rewritten":      rw.Text,
		})
	}
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = sandbox.Status(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	sessions, err := s.runner.Sessions().List(r.Context(), opts)
	if err != nil {
		writeFailure(w, err)
		return
	}

	if sessions == nil {
		sessions = []*storage.SandboxSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.runner.Get(r.Context(), identityParam(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	identity := identityParam(r)

	// Stop any in-flight run first
	s.runner.Cancel(identity)

	if err := s.runner.Sessions().Delete(r.Context(), identity); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	identity := identityParam(r)
	if !s.runner.Cancel(identity) {
		writeError(w, http.StatusNotFound, "no run in flight for "+identity)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"identity": identity, "cancelled": true})
}

func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.runner.Get(r.Context(), identityParam(r))
	if err != nil {
		writeFailure(w, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(storage.ExportMarkdown(sess)))
	case "json":
		data, err := storage.ExportJSON(sess)
		if err != nil {
			writeFailure(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		writeError(w, http.StatusBadRequest, "unknown export format: "+format)
	}
}

// --- Repository handlers ---

func (s *Server) files() (filestore.Store, error) {
	files := s.runner.Files()
	if files == nil {
		return nil, runner.ErrNoFileStore
	}
	return files, nil
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	files, err := s.files()
	if err != nil {
		writeFailure(w, err)
		return
	}
	repos, err := files.ListRepos(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if repos == nil {
		repos = []filestore.Repo{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		writeError(w, http.StatusBadRequest, "repo is required")
		return
	}
	files, err := s.files()
	if err != nil {
		writeFailure(w, err)
		return
	}
	paths, err := files.List(r.Context(), repo)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"repo": repo, "paths": paths})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("repo") == "" || q.Get("path") == "" {
		writeError(w, http.StatusBadRequest, "repo and path are required")
		return
	}
	files, err := s.files()
	if err != nil {
		writeFailure(w, err)
		return
	}
	f, err := files.Read(r.Context(), q.Get("repo"), q.Get("path"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type writeFileRequest struct {
	Repo     string `json:"repo"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	Revision string `json:"revision"`
	Message  string `json:"message"`
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req writeFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Repo == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "repo and path are required")
		return
	}
	files, err := s.files()
	if err != nil {
		writeFailure(w, err)
		return
	}

	var (
		f      *filestore.File
		status = http.StatusOK
	)
	if req.Revision == "" {
		f, err = files.Create(r.Context(), req.Repo, req.Path, req.Content, req.Message)
		status = http.StatusCreated
	} else {
		f, err = files.Write(r.Context(), req.Repo, req.Path, req.Content, req.Revision, req.Message)
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, status, f)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("repo") == "" || q.Get("path") == "" || q.Get("revision") == "" {
		writeError(w, http.StatusBadRequest, "repo, path and revision are required")
		return
	}
	files, err := s.files()
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := files.Delete(r.Context(), q.Get("repo"), q.Get("path"), q.Get("revision"), q.Get("message")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Generation handlers ---

type generateRequest struct {
	Instruction string `json:"instruction"`
	Context     string `json:"context"`
	Repo        string `json:"repo"`
	Path        string `json:"path"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Profile     string `json:"profile"`
}

type generateResponse struct {
	Code     string `json:"code"`
	Reply    string `json:"reply"`
	Provider string `json:"provider"`
	Revision string `json:"revision,omitempty"`
}

// generation resolves the generator and request for req. The returned
// revision is that of the repository file used as context, if any.
func (s *Server) generation(ctx context.Context, req generateRequest) (llm.Generator, llm.Request, string, string, error) {
	var profile *llm.Profile
	if req.Profile != "" {
		p, ok := s.profiles[req.Profile]
		if !ok {
			return nil, llm.Request{}, "", "", errBadRequest("unknown profile: " + req.Profile)
		}
		profile = p
		if req.Provider == "" {
			req.Provider = p.Provider
		}
	}
	provider := req.Provider
	if provider == "" {
		provider = s.cfg.DefaultProvider
	}

	gen, err := s.cfg.Generator(provider, req.Model)
	if err != nil {
		return nil, llm.Request{}, "", "", errBadRequest(err.Error())
	}

	var revision string
	content := req.Context
	if content == "" && req.Repo != "" && req.Path != "" {
		files, err := s.files()
		if err != nil {
			return nil, llm.Request{}, "", "", err
		}
		f, err := files.Read(ctx, req.Repo, req.Path)
		if err != nil {
			return nil, llm.Request{}, "", "", err
		}
		content, revision = f.Content, f.Revision
	}

	lreq := profile.Apply(llm.Request{
		Prompt:  req.Instruction,
		Context: llm.TrimContext(content, s.cfg.Generation.MaxContextChars),
	})
	return gen, lreq, provider, revision, nil
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Instruction == "" {
		writeError(w, http.StatusBadRequest, "instruction is required")
		return
	}

	gen, lreq, provider, revision, err := s.generation(r.Context(), req)
	if err != nil {
		writeGenerationFailure(w, err)
		return
	}

	start := time.Now()
	reply, err := gen.Generate(r.Context(), lreq)
	s.metrics.ObserveGeneration(provider, err, time.Since(start))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{
		Code:     llm.ExtractCode(reply),
		Reply:    reply,
		Provider: provider,
		Revision: revision,
	})
}

type badRequest string

func errBadRequest(msg string) error { return badRequest(msg) }

func (e badRequest) Error() string { return string(e) }

func writeGenerationFailure(w http.ResponseWriter, err error) {
	var br badRequest
	if errors.As(err, &br) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeFailure(w, err)
}

type providerInfo struct {
	Name    string            `json:"name"`
	Kind    string            `json:"kind"`
	Models  map[string]string `json:"models"`
	Default bool              `json:"default"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := []providerInfo{}
	for name, p := range s.cfg.Providers {
		kind := p.Kind
		if kind == "" {
			kind = llm.KindOpenAI
		}
		providers = append(providers, providerInfo{
			Name:    name,
			Kind:    kind,
			Models:  p.Models,
			Default: name == s.cfg.DefaultProvider,
		})
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })

	writeJSON(w, http.StatusOK, map[string]any{
		"providers": providers,
		"profiles":  llm.ProfileNames(s.profiles),
	})
}

// --- Policy handlers ---

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"policy":    s.runner.Policy(),
		"available": s.runner.Catalog().Names(),
		"isolation": s.runner.Isolation(),
		"limits":    s.runner.Limits(),
	})
}

func (s *Server) handleReloadPolicy(w http.ResponseWriter, r *http.Request) {
	set, err := s.cfg.Policy()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "loading policy: "+err.Error())
		return
	}
	s.runner.ReloadPolicy(set)
	writeJSON(w, http.StatusOK, map[string]any{"version": set.Version, "modules": set.ModuleNames()})
}
