package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FeedbackStatus tracks a submission through its processing lifecycle.
type FeedbackStatus string

const (
	StatusPending             FeedbackStatus = "pending"
	StatusProcessing          FeedbackStatus = "processing"
	StatusGeneratingChanges   FeedbackStatus = "generating_changes"
	StatusCreatingPullRequest FeedbackStatus = "creating_pull_request"
	StatusCompleted           FeedbackStatus = "completed"
	StatusFailed              FeedbackStatus = "failed"
	StatusPaused              FeedbackStatus = "paused"
)

// Feedback is a single submission that turns free-text feedback into
// repository changes. completed_at is set iff status is completed or
// failed; error_message only when failed.
type Feedback struct {
	ID             uuid.UUID       `json:"id"`
	UserID         *uuid.UUID      `json:"user_id,omitempty"`
	Repository     string          `json:"repository"`
	Content        string          `json:"content"`
	Status         FeedbackStatus  `json:"status"`
	BranchName     *string         `json:"branch_name,omitempty"`
	PullRequestURL *string         `json:"pull_request_url,omitempty"`
	LLMProvider    *string         `json:"llm_provider,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

type FeedbackStats struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Role is the closed set of account roles.
type Role string

const (
	RoleUser    Role = "user"
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
)

func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleUser, RoleAdmin, RoleService:
		return Role(raw), true
	default:
		return "", false
	}
}

type User struct {
	ID             uuid.UUID  `json:"id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	GithubUsername *string    `json:"github_username,omitempty"`
	PasswordHash   string     `json:"-"`
	EmailVerified  bool       `json:"email_verified"`
	Role           Role       `json:"role"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
}

type Project struct {
	ID                 uuid.UUID       `json:"id"`
	OwnerID            uuid.UUID       `json:"owner_id"`
	Repository         string          `json:"repository"`
	Description        *string         `json:"description,omitempty"`
	DefaultLLMProvider *string         `json:"default_llm_provider,omitempty"`
	SystemMessage      *string         `json:"system_message,omitempty"`
	Config             json.RawMessage `json:"config,omitempty"`
	IsActive           bool            `json:"is_active"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	LastActivityAt     *time.Time      `json:"last_activity_at,omitempty"`
}

// SupportedLLMProviders is the closed set accepted on submission.
var SupportedLLMProviders = []string{"openai", "anthropic"}

func IsSupportedLLMProvider(provider string) bool {
	for _, p := range SupportedLLMProviders {
		if p == provider {
			return true
		}
	}
	return false
}
