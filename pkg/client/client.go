// Package client is a small Go SDK for the Feedbacker HTTP API. It
// unwraps the service's response envelope and carries the bearer token
// issued by Login on subsequent calls.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aye-is/feedbacker/pkg/httpx"
	"github.com/aye-is/feedbacker/pkg/models"

	"github.com/google/uuid"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// APIError is a non-2xx envelope from the service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feedbacker: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

type SubmitFeedbackRequest struct {
	Repository  string          `json:"repository"`
	Content     string          `json:"content"`
	LLMProvider string          `json:"llm_provider,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type SubmitFeedbackResponse struct {
	FeedbackID              uuid.UUID             `json:"feedback_id"`
	Status                  models.FeedbackStatus `json:"status"`
	TrackingURL             string                `json:"tracking_url"`
	EstimatedProcessingTime int                   `json:"estimated_processing_time"`
}

type FeedbackDetails struct {
	ID             uuid.UUID             `json:"id"`
	Repository     string                `json:"repository"`
	Status         models.FeedbackStatus `json:"status"`
	ContentPreview string                `json:"content_preview"`
	BranchName     *string               `json:"branch_name,omitempty"`
	PullRequestURL *string               `json:"pull_request_url,omitempty"`
	LLMProvider    *string               `json:"llm_provider,omitempty"`
	ErrorMessage   *string               `json:"error_message,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login exchanges credentials for a bearer token and retains it on the
// client.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	var out LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return LoginResponse{}, err
	}
	c.AuthToken = out.Token
	return out, nil
}

// SubmitFeedback works anonymously or authenticated; ownership is only
// recorded when the client carries a token.
func (c *Client) SubmitFeedback(ctx context.Context, req SubmitFeedbackRequest) (SubmitFeedbackResponse, error) {
	var out SubmitFeedbackResponse
	if err := c.do(ctx, http.MethodPost, "/api/feedback", req, &out); err != nil {
		return SubmitFeedbackResponse{}, err
	}
	return out, nil
}

func (c *Client) GetFeedback(ctx context.Context, id uuid.UUID) (FeedbackDetails, error) {
	var out FeedbackDetails
	if err := c.do(ctx, http.MethodGet, "/api/feedback/"+id.String(), nil, &out); err != nil {
		return FeedbackDetails{}, err
	}
	return out, nil
}

func (c *Client) RetryFeedback(ctx context.Context, id uuid.UUID) (SubmitFeedbackResponse, error) {
	var out SubmitFeedbackResponse
	if err := c.do(ctx, http.MethodPost, "/api/feedback/"+id.String()+"/retry", nil, &out); err != nil {
		return SubmitFeedbackResponse{}, err
	}
	return out, nil
}

// WaitForTerminal polls until the feedback reaches completed or failed,
// the context expires, or the service rejects a poll.
func (c *Client) WaitForTerminal(ctx context.Context, id uuid.UUID, interval time.Duration) (FeedbackDetails, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		details, err := c.GetFeedback(ctx, id)
		if err != nil {
			return FeedbackDetails{}, err
		}
		if details.Status == models.StatusCompleted || details.Status == models.StatusFailed {
			return details, nil
		}
		select {
		case <-ctx.Done():
			return details, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	var envelope httpx.Envelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decode response status=%d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !envelope.Success {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.AuthToken == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
}
