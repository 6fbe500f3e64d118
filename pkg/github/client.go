package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aye-is/feedbacker/pkg/httpx"
)

const defaultBaseURL = "https://api.github.com"

// Client talks to the GitHub REST API with a bot token. Only the
// operations the feedback pipeline needs are implemented.
type Client struct {
	HTTP       *http.Client
	BaseURL    string
	Token      string
	Retries    int
	RetryDelay time.Duration
}

type Repository struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return defaultBaseURL
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"Authorization":        "Bearer " + c.Token,
		"X-GitHub-Api-Version": "2022-11-28",
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (int, []byte, error) {
	if c.Token == "" {
		return 0, nil, errors.New("github token is empty")
	}
	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	var body []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = raw
	}
	return httpx.RequestJSON(ctx, client, method, c.base()+path, body, c.headers(), c.Retries, c.RetryDelay)
}

// GetRepository fetches repository metadata, including the default
// branch new change branches are cut from.
func (c *Client) GetRepository(ctx context.Context, owner, repo string) (Repository, error) {
	status, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, repo), nil)
	if err != nil {
		return Repository{}, err
	}
	if status == http.StatusNotFound {
		return Repository{}, fmt.Errorf("repository %s/%s not found", owner, repo)
	}
	if status >= 300 {
		return Repository{}, fmt.Errorf("github upstream error: status %d", status)
	}
	var out Repository
	if err := json.Unmarshal(body, &out); err != nil {
		return Repository{}, err
	}
	return out, nil
}

// BranchHead returns the commit SHA at the tip of a branch.
func (c *Client) BranchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/git/ref/%s", owner, repo, url.PathEscape("heads/"+branch)), nil)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", fmt.Errorf("github upstream error: status %d", status)
	}
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if out.Object.SHA == "" {
		return "", errors.New("branch ref has no sha")
	}
	return out.Object.SHA, nil
}

// CreateBranch creates refs/heads/<branch> pointing at fromSHA.
func (c *Client) CreateBranch(ctx context.Context, owner, repo, branch, fromSHA string) error {
	status, _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/refs", owner, repo), map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": fromSHA,
	})
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("create branch %s: status %d", branch, status)
	}
	return nil
}

// PutFile creates or updates one file on a branch.
func (c *Client) PutFile(ctx context.Context, owner, repo, branch, path, message, content string) error {
	payload := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"branch":  branch,
	}
	if sha, err := c.fileSHA(ctx, owner, repo, branch, path); err == nil && sha != "" {
		payload["sha"] = sha
	}
	status, _, err := c.do(ctx, http.MethodPut,
		fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, escapePath(path)), payload)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("put file %s: status %d", path, status)
	}
	return nil
}

func (c *Client) fileSHA(ctx context.Context, owner, repo, branch, path string) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", owner, repo, escapePath(path), url.QueryEscape(branch)), nil)
	if err != nil || status != http.StatusOK {
		return "", err
	}
	var out struct {
		SHA string `json:"sha"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

// CreatePullRequest opens a PR from head into base.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (PullRequest, error) {
	status, respBody, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pulls", owner, repo), map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	})
	if err != nil {
		return PullRequest{}, err
	}
	if status >= 300 {
		return PullRequest{}, fmt.Errorf("create pull request: status %d", status)
	}
	var out PullRequest
	if err := json.Unmarshal(respBody, &out); err != nil {
		return PullRequest{}, err
	}
	if out.HTMLURL == "" {
		return PullRequest{}, errors.New("pull request response has no url")
	}
	return out, nil
}

// IsCollaborator reports whether a username has push access.
func (c *Client) IsCollaborator(ctx context.Context, owner, repo, username string) (bool, error) {
	status, _, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/%s/collaborators/%s", owner, repo, url.PathEscape(username)), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("collaborator check: status %d", status)
	}
}

func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
