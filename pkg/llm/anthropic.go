package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aye-is/feedbacker/pkg/httpx"
)

const defaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"

type AnthropicGenerator struct {
	Client     *http.Client
	Endpoint   string
	APIKey     string
	Model      string
	Retries    int
	RetryDelay time.Duration
}

func (g *AnthropicGenerator) GenerateChanges(ctx context.Context, req Request) (ChangeSet, error) {
	if g.APIKey == "" {
		return ChangeSet{}, errors.New("anthropic api key is empty")
	}
	endpoint := g.Endpoint
	if endpoint == "" {
		endpoint = defaultAnthropicEndpoint
	}
	model := g.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	system := req.SystemMessage
	if system == "" {
		system = systemPrompt
	}
	body, err := json.Marshal(map[string]interface{}{
		"model":      model,
		"max_tokens": 8192,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": buildPrompt(req)},
		},
	})
	if err != nil {
		return ChangeSet{}, err
	}
	headers := map[string]string{
		"x-api-key":         g.APIKey,
		"anthropic-version": "2023-06-01",
	}
	status, respBody, err := httpx.RequestJSON(ctx, client, http.MethodPost, endpoint, body, headers, g.Retries, g.RetryDelay)
	if err != nil {
		return ChangeSet{}, err
	}
	if status >= 300 {
		return ChangeSet{}, fmt.Errorf("anthropic upstream error: status %d", status)
	}
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return ChangeSet{}, err
	}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			return parseChangeSet(block.Text)
		}
	}
	return ChangeSet{}, errors.New("anthropic returned no text content")
}
