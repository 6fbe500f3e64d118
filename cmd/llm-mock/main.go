// Command llm-mock answers OpenAI chat-completion and Anthropic
// message requests with a deterministic change set, so the feedback
// pipeline can run locally without model credentials. Point the
// server at it with OPENAI_ENDPOINT or ANTHROPIC_ENDPOINT.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aye-is/feedbacker/pkg/httpx"
	"github.com/aye-is/feedbacker/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runLLMMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// changeSetFor builds the canned model answer from the user prompt.
// The prompt carries "Repository: <repo>" and a "Feedback:" block;
// the mock echoes the feedback into a single markdown file so pull
// requests produced against it are recognizable.
func changeSetFor(prompt string) string {
	repository := "unknown/unknown"
	feedback := strings.TrimSpace(prompt)
	if rest, ok := strings.CutPrefix(prompt, "Repository: "); ok {
		if repo, body, found := strings.Cut(rest, "\n\nFeedback:\n"); found {
			repository = strings.TrimSpace(repo)
			feedback = strings.TrimSpace(body)
		}
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"summary": "Mock change for " + repository,
		"files": []map[string]string{
			{"path": "FEEDBACK.md", "content": "# Feedback\n\n" + feedback + "\n"},
		},
	})
	return string(payload)
}

func handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model    string        `json:"model"`
		Messages []chatMessage `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteJSON(w, 400, map[string]string{"error": "invalid request body"})
		return
	}
	var prompt string
	for _, m := range req.Messages {
		if m.Role == "user" {
			prompt = m.Content
		}
	}
	if prompt == "" {
		httpx.WriteJSON(w, 400, map[string]string{"error": "no user message"})
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"model": req.Model,
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": changeSetFor(prompt)}},
		},
	})
}

func handleMessages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model    string        `json:"model"`
		System   string        `json:"system"`
		Messages []chatMessage `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteJSON(w, 400, map[string]string{"error": "invalid request body"})
		return
	}
	var prompt string
	for _, m := range req.Messages {
		if m.Role == "user" {
			prompt = m.Content
		}
	}
	if prompt == "" {
		httpx.WriteJSON(w, 400, map[string]string{"error": "no user message"})
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"model": req.Model,
		"content": []map[string]string{
			{"type": "text", "text": changeSetFor(prompt)},
		},
	})
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

func runLLMMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "llm-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("llm-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "llm-mock"})
	})
	r.Post("/v1/chat/completions", handleChatCompletions)
	r.Post("/v1/messages", handleMessages)

	addr := env("ADDR", ":8084")
	log.Printf("llm-mock listening on %s", addr)
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
