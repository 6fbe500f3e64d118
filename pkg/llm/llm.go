package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Request carries the feedback text and repository context to a model.
type Request struct {
	Repository    string
	Content       string
	SystemMessage string
}

// FileChange is one file the model wants written on the change branch.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ChangeSet is the model's proposed change for a feedback record.
type ChangeSet struct {
	Summary string       `json:"summary"`
	Files   []FileChange `json:"files"`
}

// Generator turns free-text feedback into a concrete change set.
type Generator interface {
	GenerateChanges(ctx context.Context, req Request) (ChangeSet, error)
}

var ErrUnsupportedProvider = errors.New("unsupported llm provider")

// Config holds per-provider credentials and endpoint/model overrides.
type Config struct {
	OpenAIKey         string
	OpenAIModel       string
	OpenAIEndpoint    string
	AnthropicKey      string
	AnthropicModel    string
	AnthropicEndpoint string
}

// NewGenerator builds the generator for a provider tag.
func NewGenerator(provider string, cfg Config) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, errors.New("openai api key not configured")
		}
		return &OpenAIGenerator{APIKey: cfg.OpenAIKey, Model: cfg.OpenAIModel, Endpoint: cfg.OpenAIEndpoint}, nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, errors.New("anthropic api key not configured")
		}
		return &AnthropicGenerator{APIKey: cfg.AnthropicKey, Model: cfg.AnthropicModel, Endpoint: cfg.AnthropicEndpoint}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
}

const systemPrompt = `You are an automated code-change assistant. Given user feedback about a repository, respond with a JSON object: {"summary": "...", "files": [{"path": "...", "content": "..."}]}. Respond with JSON only.`

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Repository: ")
	b.WriteString(req.Repository)
	b.WriteString("\n\nFeedback:\n")
	b.WriteString(req.Content)
	return b.String()
}

// parseChangeSet tolerates models that wrap the JSON in a fenced block.
func parseChangeSet(text string) (ChangeSet, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	var cs ChangeSet
	if err := json.Unmarshal([]byte(trimmed), &cs); err != nil {
		return ChangeSet{}, fmt.Errorf("model response is not a change set: %w", err)
	}
	if cs.Summary == "" {
		return ChangeSet{}, errors.New("model response has no summary")
	}
	return cs, nil
}
