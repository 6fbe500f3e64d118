package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aye-is/feedbacker/pkg/github"
)

func mockHandler(t *testing.T) http.Handler {
	t.Helper()
	t.Setenv("ADDR", "127.0.0.1:0")
	var captured *http.Server
	err := runGithubMock(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			if service != "github-mock" {
				t.Fatalf("unexpected service name %q", service)
			}
			return func(context.Context) error { return nil }, nil
		},
		func(server *http.Server) error {
			captured = server
			return errors.New("listen stop")
		},
	)
	if err == nil || !strings.Contains(err.Error(), "listen stop") {
		t.Fatalf("expected listen error, got %v", err)
	}
	if captured == nil || captured.Handler == nil {
		t.Fatal("server was not configured")
	}
	return captured.Handler
}

// Drives the mock through the real API client, end to end: repository
// lookup, branch creation, file writes, and the pull request.
func TestMockServesPipelineFlow(t *testing.T) {
	srv := httptest.NewServer(mockHandler(t))
	defer srv.Close()

	client := &github.Client{BaseURL: srv.URL, Token: "dev-token"}
	ctx := context.Background()

	repo, err := client.GetRepository(ctx, "aye-is", "smart-tree")
	if err != nil {
		t.Fatalf("get repository: %v", err)
	}
	if repo.FullName != "aye-is/smart-tree" || repo.DefaultBranch != "main" {
		t.Fatalf("unexpected repository: %+v", repo)
	}

	head, err := client.BranchHead(ctx, "aye-is", "smart-tree", "main")
	if err != nil {
		t.Fatalf("branch head: %v", err)
	}
	if len(head) != 40 {
		t.Fatalf("expected 40-char sha, got %q", head)
	}

	if err := client.CreateBranch(ctx, "aye-is", "smart-tree", "feedbacker/abc123def456", head); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if err := client.PutFile(ctx, "aye-is", "smart-tree", "feedbacker/abc123def456", "docs/usage.md", "first write", "# Usage\n"); err != nil {
		t.Fatalf("put file: %v", err)
	}
	if err := client.PutFile(ctx, "aye-is", "smart-tree", "feedbacker/abc123def456", "docs/usage.md", "second write", "# Usage v2\n"); err != nil {
		t.Fatalf("update file: %v", err)
	}

	pr, err := client.CreatePullRequest(ctx, "aye-is", "smart-tree", "Fix docs", "body", "feedbacker/abc123def456", "main")
	if err != nil {
		t.Fatalf("create pull request: %v", err)
	}
	if pr.Number != 1 {
		t.Fatalf("expected pull number 1, got %d", pr.Number)
	}
	if pr.HTMLURL != "https://github.com/aye-is/smart-tree/pull/1" {
		t.Fatalf("unexpected pull url %q", pr.HTMLURL)
	}

	ok, err := client.IsCollaborator(ctx, "aye-is", "smart-tree", "hue")
	if err != nil || !ok {
		t.Fatalf("expected collaborator, got ok=%v err=%v", ok, err)
	}
}

func TestMockRejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(mockHandler(t))
	defer srv.Close()

	client := &github.Client{BaseURL: srv.URL, Token: "dev-token"}
	ctx := context.Background()

	if _, err := client.BranchHead(ctx, "aye-is", "smart-tree", "no-such-branch"); err == nil {
		t.Fatal("expected error for unknown branch")
	}
	if err := client.CreateBranch(ctx, "aye-is", "smart-tree", "", "abc"); err == nil {
		t.Fatal("expected error for empty branch name")
	}
	if err := client.CreateBranch(ctx, "aye-is", "smart-tree", "dup", strings.Repeat("a", 40)); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if err := client.CreateBranch(ctx, "aye-is", "smart-tree", "dup", strings.Repeat("a", 40)); err == nil {
		t.Fatal("expected error for duplicate branch")
	}
	if _, err := client.CreatePullRequest(ctx, "aye-is", "smart-tree", "t", "b", "missing-head", "main"); err == nil {
		t.Fatal("expected error for missing head branch")
	}
}

func TestHealthz(t *testing.T) {
	handler := mockHandler(t)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"service":"github-mock"`) {
		t.Fatalf("expected healthz response, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRunGithubMockTelemetryFailure(t *testing.T) {
	err := runGithubMock(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return nil, errors.New("otel failed")
		},
		func(server *http.Server) error { return nil },
	)
	if err == nil || !strings.Contains(err.Error(), "otel failed") {
		t.Fatalf("expected telemetry error, got %v", err)
	}
}

func TestGithubMockEnvHelpers(t *testing.T) {
	t.Setenv("GH_MOCK_STRING", "value")
	if got := env("GH_MOCK_STRING", "default"); got != "value" {
		t.Fatalf("expected env value, got %q", got)
	}
	if got := env("GH_MOCK_MISSING", "default"); got != "default" {
		t.Fatalf("expected default value, got %q", got)
	}
	t.Setenv("GH_MOCK_INT", "9")
	if got := envInt("GH_MOCK_INT", 1); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}
	t.Setenv("GH_MOCK_INT", "bad")
	if got := envDurationSec("GH_MOCK_INT", 3); got.Seconds() != 3 {
		t.Fatalf("expected fallback 3s, got %v", got)
	}
}

func TestMainOverridesFatal(t *testing.T) {
	origFatal, origInit, origListen := logFatalf, initTelemetryFn, listenFn
	defer func() {
		logFatalf, initTelemetryFn, listenFn = origFatal, origInit, origListen
	}()

	fatalCalled := false
	logFatalf = func(format string, args ...any) { fatalCalled = true }
	initTelemetryFn = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return nil, errors.New("telemetry init failed")
	}
	listenFn = func(server *http.Server) error { return nil }
	main()
	if !fatalCalled {
		t.Fatal("logFatalf should be called on error")
	}

	fatalCalled = false
	initTelemetryFn = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}
	main()
	if fatalCalled {
		t.Fatal("logFatalf should not be called on success")
	}
}
