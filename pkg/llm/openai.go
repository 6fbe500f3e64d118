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

const defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"

type OpenAIGenerator struct {
	Client     *http.Client
	Endpoint   string
	APIKey     string
	Model      string
	Retries    int
	RetryDelay time.Duration
}

func (g *OpenAIGenerator) GenerateChanges(ctx context.Context, req Request) (ChangeSet, error) {
	if g.APIKey == "" {
		return ChangeSet{}, errors.New("openai api key is empty")
	}
	endpoint := g.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	model := g.Model
	if model == "" {
		model = "gpt-4o"
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
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": buildPrompt(req)},
		},
	})
	if err != nil {
		return ChangeSet{}, err
	}
	headers := map[string]string{"Authorization": "Bearer " + g.APIKey}
	status, respBody, err := httpx.RequestJSON(ctx, client, http.MethodPost, endpoint, body, headers, g.Retries, g.RetryDelay)
	if err != nil {
		return ChangeSet{}, err
	}
	if status >= 300 {
		return ChangeSet{}, fmt.Errorf("openai upstream error: status %d", status)
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return ChangeSet{}, err
	}
	if len(parsed.Choices) == 0 {
		return ChangeSet{}, errors.New("openai returned no choices")
	}
	return parseChangeSet(parsed.Choices[0].Message.Content)
}
