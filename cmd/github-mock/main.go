// Command github-mock serves the slice of the GitHub REST API the
// feedback pipeline uses, backed by an in-memory store. Point the
// server at it with GITHUB_API_URL for local development.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aye-is/feedbacker/pkg/httpx"
	"github.com/aye-is/feedbacker/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

const seedBranch = "main"

type mockRepo struct {
	branches map[string]string
	files    map[string]string
}

type Store struct {
	mu      sync.Mutex
	repos   map[string]*mockRepo
	commits int
	pulls   int
}

func newStore() *Store {
	return &Store{repos: map[string]*mockRepo{}}
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGithubMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

// repo returns the repository for owner/name, creating it with a main
// branch on first use. Every repository exists in the mock.
func (s *Store) repo(owner, name string) *mockRepo {
	full := owner + "/" + name
	r, ok := s.repos[full]
	if !ok {
		s.commits++
		r = &mockRepo{
			branches: map[string]string{seedBranch: fmt.Sprintf("%040x", s.commits)},
			files:    map[string]string{},
		}
		s.repos[full] = r
	}
	return r
}

func (s *Store) getRepository(w http.ResponseWriter, r *http.Request) {
	owner, name := chi.URLParam(r, "owner"), chi.URLParam(r, "repo")
	s.mu.Lock()
	s.repo(owner, name)
	s.mu.Unlock()
	httpx.WriteJSON(w, 200, map[string]string{
		"full_name":      owner + "/" + name,
		"default_branch": seedBranch,
	})
}

func (s *Store) getRef(w http.ResponseWriter, r *http.Request) {
	branch := strings.TrimPrefix(wildcardParam(r), "heads/")
	s.mu.Lock()
	repo := s.repo(chi.URLParam(r, "owner"), chi.URLParam(r, "repo"))
	sha, ok := repo.branches[branch]
	s.mu.Unlock()
	if !ok {
		httpx.WriteJSON(w, 404, map[string]string{"message": "Not Found"})
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"ref":    "refs/heads/" + branch,
		"object": map[string]string{"sha": sha},
	})
}

func (s *Store) createRef(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	branch := strings.TrimPrefix(req.Ref, "refs/heads/")
	if branch == "" || req.SHA == "" {
		httpx.WriteJSON(w, 422, map[string]string{"message": "ref and sha are required"})
		return
	}
	s.mu.Lock()
	repo := s.repo(chi.URLParam(r, "owner"), chi.URLParam(r, "repo"))
	_, exists := repo.branches[branch]
	if !exists {
		repo.branches[branch] = req.SHA
	}
	s.mu.Unlock()
	if exists {
		httpx.WriteJSON(w, 422, map[string]string{"message": "Reference already exists"})
		return
	}
	httpx.WriteJSON(w, 201, map[string]string{"ref": req.Ref})
}

func (s *Store) getContents(w http.ResponseWriter, r *http.Request) {
	path := wildcardParam(r)
	branch := r.URL.Query().Get("ref")
	if branch == "" {
		branch = seedBranch
	}
	s.mu.Lock()
	repo := s.repo(chi.URLParam(r, "owner"), chi.URLParam(r, "repo"))
	sha, ok := repo.files[branch+":"+path]
	s.mu.Unlock()
	if !ok {
		httpx.WriteJSON(w, 404, map[string]string{"message": "Not Found"})
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"sha": sha, "path": path})
}

func (s *Store) putContents(w http.ResponseWriter, r *http.Request) {
	path := wildcardParam(r)
	var req struct {
		Message string `json:"message"`
		Content string `json:"content"`
		Branch  string `json:"branch"`
		SHA     string `json:"sha"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Content == "" {
		httpx.WriteJSON(w, 422, map[string]string{"message": "content is required"})
		return
	}
	branch := req.Branch
	if branch == "" {
		branch = seedBranch
	}
	s.mu.Lock()
	repo := s.repo(chi.URLParam(r, "owner"), chi.URLParam(r, "repo"))
	key := branch + ":" + path
	_, existed := repo.files[key]
	s.commits++
	sha := fmt.Sprintf("%040x", s.commits)
	repo.files[key] = sha
	repo.branches[branch] = sha
	s.mu.Unlock()
	status := 201
	if existed {
		status = 200
	}
	httpx.WriteJSON(w, status, map[string]interface{}{
		"content": map[string]string{"path": path, "sha": sha},
		"commit":  map[string]string{"sha": sha, "message": req.Message},
	})
}

func (s *Store) createPull(w http.ResponseWriter, r *http.Request) {
	owner, name := chi.URLParam(r, "owner"), chi.URLParam(r, "repo")
	var req struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Head  string `json:"head"`
		Base  string `json:"base"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	repo := s.repo(owner, name)
	_, ok := repo.branches[req.Head]
	var number int
	if ok {
		s.pulls++
		number = s.pulls
	}
	s.mu.Unlock()
	if !ok {
		httpx.WriteJSON(w, 422, map[string]string{"message": "head branch does not exist"})
		return
	}
	httpx.WriteJSON(w, 201, map[string]interface{}{
		"number":   number,
		"html_url": fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, name, number),
		"title":    req.Title,
	})
}

func handleCollaborator(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// wildcardParam returns the catch-all segment with percent-escapes
// decoded; chi matches wildcards against the raw request path.
func wildcardParam(r *http.Request) string {
	raw := chi.URLParam(r, "*")
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runGithubMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "github-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	store := newStore()
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("github-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "github-mock"})
	})
	r.Get("/repos/{owner}/{repo}", store.getRepository)
	r.Get("/repos/{owner}/{repo}/git/ref/*", store.getRef)
	r.Post("/repos/{owner}/{repo}/git/refs", store.createRef)
	r.Get("/repos/{owner}/{repo}/contents/*", store.getContents)
	r.Put("/repos/{owner}/{repo}/contents/*", store.putContents)
	r.Post("/repos/{owner}/{repo}/pulls", store.createPull)
	r.Get("/repos/{owner}/{repo}/collaborators/{username}", handleCollaborator)

	addr := env("ADDR", ":8085")
	log.Printf("github-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
