package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aye-is/feedbacker/pkg/audit"
	"github.com/aye-is/feedbacker/pkg/auth"
	"github.com/aye-is/feedbacker/pkg/feedbackfsm"
	"github.com/aye-is/feedbacker/pkg/httpx"
	"github.com/aye-is/feedbacker/pkg/jobs"
	"github.com/aye-is/feedbacker/pkg/models"
	"github.com/aye-is/feedbacker/pkg/store"
	"github.com/aye-is/feedbacker/pkg/stream"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	minContentLength  = 10
	maxContentLength  = 10000
	contentPreviewLen = 200
)

type anonymousUserInfo struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type submitFeedbackRequest struct {
	Repository  string             `json:"repository"`
	Content     string             `json:"content"`
	LLMProvider string             `json:"llm_provider,omitempty"`
	UserInfo    *anonymousUserInfo `json:"user_info,omitempty"`
	Metadata    json.RawMessage    `json:"metadata,omitempty"`
}

type submitFeedbackResponse struct {
	FeedbackID              uuid.UUID             `json:"feedback_id"`
	Status                  models.FeedbackStatus `json:"status"`
	TrackingURL             string                `json:"tracking_url"`
	EstimatedProcessingTime int                   `json:"estimated_processing_time"`
}

type feedbackDetails struct {
	ID             uuid.UUID             `json:"id"`
	Repository     string                `json:"repository"`
	ContentPreview string                `json:"content_preview"`
	Status         models.FeedbackStatus `json:"status"`
	BranchName     *string               `json:"branch_name,omitempty"`
	PullRequestURL *string               `json:"pull_request_url,omitempty"`
	LLMProvider    *string               `json:"llm_provider,omitempty"`
	ErrorMessage   *string               `json:"error_message,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

func detailsOf(f models.Feedback) feedbackDetails {
	return feedbackDetails{
		ID:             f.ID,
		Repository:     f.Repository,
		ContentPreview: truncateContent(f.Content, contentPreviewLen),
		Status:         f.Status,
		BranchName:     f.BranchName,
		PullRequestURL: f.PullRequestURL,
		LLMProvider:    f.LLMProvider,
		ErrorMessage:   f.ErrorMessage,
		CreatedAt:      f.CreatedAt,
		UpdatedAt:      f.UpdatedAt,
		CompletedAt:    f.CompletedAt,
	}
}

// truncateContent cuts on a rune boundary so a multi-byte character
// straddling the limit is dropped rather than split.
func truncateContent(content string, max int) string {
	if len(content) <= max {
		return content
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}

func validRepository(repo string) bool {
	parts := strings.Split(repo, "/")
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}

// validateSubmission collects every violated rule rather than stopping
// at the first one.
func validateSubmission(req submitFeedbackRequest) []string {
	var violations []string
	if !validRepository(req.Repository) {
		violations = append(violations, "repository must be in 'owner/name' format")
	}
	trimmed := strings.TrimSpace(req.Content)
	if len(trimmed) < minContentLength || len(trimmed) > maxContentLength {
		violations = append(violations, fmt.Sprintf("content must be between %d and %d characters", minContentLength, maxContentLength))
	}
	if req.LLMProvider != "" && !models.IsSupportedLLMProvider(req.LLMProvider) {
		violations = append(violations, "llm_provider must be one of: "+strings.Join(models.SupportedLLMProviders, ", "))
	}
	if req.UserInfo != nil && !validEmail(req.UserInfo.Email) {
		violations = append(violations, "user_info.email must contain '@' and be at most 255 characters")
	}
	return violations
}

func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req submitFeedbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, httpx.CodeValidation, "Invalid JSON body", nil)
		return
	}
	if violations := validateSubmission(req); len(violations) > 0 {
		httpx.ValidationFailed(w, violations)
		return
	}

	var userID *uuid.UUID
	if caller, ok := auth.CallerFromContext(r.Context()); ok {
		if id, err := uuid.Parse(caller.ID); err == nil {
			userID = &id
		}
	}
	provider := req.LLMProvider
	if provider == "" {
		provider = s.DefaultLLMProvider
	}
	metadata := req.Metadata
	if req.UserInfo != nil {
		metadata = mergeSubmitterInfo(metadata, *req.UserInfo)
	}

	now := time.Now().UTC()
	id := uuid.New()
	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO feedback (id, user_id, repository, content, status, llm_provider, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, userID, req.Repository, strings.TrimSpace(req.Content), string(models.StatusPending), provider, metadata, now)
	if err != nil {
		log.Printf("feedback insert failed: %v", err)
		httpx.Internal(w)
		return
	}

	if err := s.Queue.Enqueue(r.Context(), jobs.Job{FeedbackID: id, EnqueuedAt: now}); err != nil {
		log.Printf("feedback %s enqueue failed, will stay pending: %v", id, err)
	}
	s.Metrics.IncFeedbackStatus(string(models.StatusPending))
	s.Events.Publish(stream.NewEvent(stream.TypeFeedbackSubmitted, map[string]string{
		"feedback_id": id.String(),
		"repository":  req.Repository,
	}))

	httpx.OK(w, http.StatusCreated, "Feedback submitted", submitFeedbackResponse{
		FeedbackID:              id,
		Status:                  models.StatusPending,
		TrackingURL:             "/api/feedback/" + id.String(),
		EstimatedProcessingTime: 5,
	})
}

func parsePagination(r *http.Request) models.Pagination {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return models.Pagination{Page: page, Limit: limit, SortOrder: q.Get("sort_order")}.Normalize()
}

// feedbackFilters builds WHERE clauses from list-query parameters,
// appending to any pre-seeded conditions.
func feedbackFilters(r *http.Request, where []string, args []any) ([]string, []any) {
	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		args = append(args, status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if repo := q.Get("repository"); repo != "" {
		args = append(args, repo)
		where = append(where, fmt.Sprintf("repository = $%d", len(args)))
	}
	if provider := q.Get("llm_provider"); provider != "" {
		args = append(args, provider)
		where = append(where, fmt.Sprintf("llm_provider = $%d", len(args)))
	}
	return where, args
}

func (s *Server) listFeedback(ctx context.Context, where []string, args []any, p models.Pagination) (models.Page[feedbackDetails], error) {
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	var total int64
	if err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM feedback`+clause, args...).Scan(&total); err != nil {
		return models.Page[feedbackDetails]{}, err
	}
	order := "DESC"
	if p.SortOrder == "asc" {
		order = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT id, user_id, repository, content, status, branch_name, pull_request_url, llm_provider, metadata, error_message, created_at, updated_at, completed_at
		FROM feedback%s ORDER BY created_at %s LIMIT $%d OFFSET $%d
	`, clause, order, len(args)+1, len(args)+2)
	rows, err := s.DB.Query(ctx, query, append(args, p.Limit, p.Offset())...)
	if err != nil {
		return models.Page[feedbackDetails]{}, err
	}
	defer rows.Close()

	items := make([]feedbackDetails, 0, p.Limit)
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return models.Page[feedbackDetails]{}, err
		}
		items = append(items, detailsOf(f))
	}
	if err := rows.Err(); err != nil {
		return models.Page[feedbackDetails]{}, err
	}
	return models.NewPage(items, p.Page, p.Limit, total), nil
}

func (s *Server) handleListOwnFeedback(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "Authentication token required")
		return
	}
	uid, err := uuid.Parse(caller.ID)
	if err != nil {
		httpx.Unauthorized(w, "Invalid user or account disabled")
		return
	}
	where, args := feedbackFilters(r, []string{"user_id = $1"}, []any{uid})
	page, err := s.listFeedback(r.Context(), where, args, parsePagination(r))
	if err != nil {
		log.Printf("feedback list failed: %v", err)
		httpx.Internal(w)
		return
	}
	httpx.OK(w, http.StatusOK, "Feedback retrieved", page)
}

func (s *Server) handleListAllFeedback(w http.ResponseWriter, r *http.Request) {
	where, args := feedbackFilters(r, nil, nil)
	page, err := s.listFeedback(r.Context(), where, args, parsePagination(r))
	if err != nil {
		log.Printf("feedback list failed: %v", err)
		httpx.Internal(w)
		return
	}
	httpx.OK(w, http.StatusOK, "Feedback retrieved", page)
}

// loadFeedbackForCaller fetches a record and enforces ownership: a
// caller without ReadAllFeedback sees only their own submissions, and
// gets 404 rather than an existence hint otherwise.
func (s *Server) loadFeedbackForCaller(w http.ResponseWriter, r *http.Request) (models.Feedback, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.NotFound(w, "Feedback not found")
		return models.Feedback{}, false
	}
	f, err := s.loadFeedback(r.Context(), id)
	if err != nil {
		if err == pgx.ErrNoRows {
			httpx.NotFound(w, "Feedback not found")
			return models.Feedback{}, false
		}
		log.Printf("feedback load failed: %v", err)
		httpx.Internal(w)
		return models.Feedback{}, false
	}
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "Authentication token required")
		return models.Feedback{}, false
	}
	if !auth.Authorize(caller.Role, auth.CapReadAllFeedback) {
		if f.UserID == nil || f.UserID.String() != caller.ID {
			httpx.NotFound(w, "Feedback not found")
			return models.Feedback{}, false
		}
	}
	return f, true
}

func (s *Server) handleGetFeedback(w http.ResponseWriter, r *http.Request) {
	f, ok := s.loadFeedbackForCaller(w, r)
	if !ok {
		return
	}
	httpx.OK(w, http.StatusOK, "Feedback retrieved", detailsOf(f))
}

func (s *Server) handleRetryFeedback(w http.ResponseWriter, r *http.Request) {
	f, ok := s.loadFeedbackForCaller(w, r)
	if !ok {
		return
	}
	if !feedbackfsm.CanRetry(f.Status) {
		httpx.Conflict(w, fmt.Sprintf("Feedback in status %q cannot be retried", f.Status))
		return
	}
	tag, err := s.DB.Exec(r.Context(), `
		UPDATE feedback SET status = $1, error_message = NULL, completed_at = NULL, updated_at = $2
		WHERE id = $3 AND status = $4
	`, string(models.StatusPending), time.Now().UTC(), f.ID, string(f.Status))
	if err != nil {
		log.Printf("feedback retry failed: %v", err)
		httpx.Internal(w)
		return
	}
	if tag.RowsAffected() == 0 {
		httpx.Conflict(w, "Feedback state changed concurrently")
		return
	}
	if err := s.Queue.Enqueue(r.Context(), jobs.Job{FeedbackID: f.ID, EnqueuedAt: time.Now().UTC()}); err != nil {
		log.Printf("feedback %s re-enqueue failed: %v", f.ID, err)
	}
	s.Metrics.IncFeedbackStatus(string(models.StatusPending))
	s.Events.Publish(stream.NewStatusEvent(f.ID.String(), f.Status, models.StatusPending, ""))
	if caller, ok := auth.CallerFromContext(r.Context()); ok {
		detail, _ := json.Marshal(map[string]string{"feedback_id": f.ID.String(), "from_status": string(f.Status)})
		s.auditEvent(r.Context(), audit.Record{
			EventType: audit.EventFeedbackRetry,
			ActorID:   caller.ID,
			ActorRef:  caller.Email,
			Path:      r.URL.Path,
			Outcome:   audit.OutcomeSuccess,
			Detail:    detail,
		})
	}
	httpx.OK(w, http.StatusOK, "Feedback queued for retry", submitFeedbackResponse{
		FeedbackID:              f.ID,
		Status:                  models.StatusPending,
		TrackingURL:             "/api/feedback/" + f.ID.String(),
		EstimatedProcessingTime: 5,
	})
}

func (s *Server) handleFeedbackStats(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "Authentication token required")
		return
	}
	uid, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		httpx.NotFound(w, "User not found")
		return
	}
	if uid.String() != caller.ID && !auth.Authorize(caller.Role, auth.CapReadAllFeedback) {
		httpx.Forbidden(w, "Insufficient permissions")
		return
	}

	cacheKey := "stats:" + uid.String()
	var stats models.FeedbackStats
	if hit, err := store.GetJSON(r.Context(), s.Cache, cacheKey, &stats); err == nil && hit {
		httpx.OK(w, http.StatusOK, "Stats retrieved", stats)
		return
	}

	row := s.DB.QueryRow(r.Context(), `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status IN ('processing', 'generating_changes', 'creating_pull_request')),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM feedback WHERE user_id = $1
	`, uid)
	if err := row.Scan(&stats.Total, &stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed); err != nil {
		log.Printf("stats query failed: %v", err)
		httpx.Internal(w)
		return
	}
	if err := store.SetJSON(r.Context(), s.Cache, cacheKey, stats, s.StatsCacheTTL); err != nil {
		log.Printf("stats cache write failed: %v", err)
	}
	httpx.OK(w, http.StatusOK, "Stats retrieved", stats)
}

func (s *Server) loadFeedback(ctx context.Context, id uuid.UUID) (models.Feedback, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, user_id, repository, content, status, branch_name, pull_request_url, llm_provider, metadata, error_message, created_at, updated_at, completed_at
		FROM feedback WHERE id = $1
	`, id)
	return scanFeedback(row)
}

func scanFeedback(row pgx.Row) (models.Feedback, error) {
	var f models.Feedback
	var status string
	err := row.Scan(&f.ID, &f.UserID, &f.Repository, &f.Content, &status, &f.BranchName, &f.PullRequestURL, &f.LLMProvider, &f.Metadata, &f.ErrorMessage, &f.CreatedAt, &f.UpdatedAt, &f.CompletedAt)
	if err != nil {
		return models.Feedback{}, err
	}
	f.Status = models.FeedbackStatus(status)
	return f, nil
}

func mergeSubmitterInfo(metadata json.RawMessage, info anonymousUserInfo) json.RawMessage {
	obj := map[string]interface{}{}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &obj)
	}
	obj["submitter"] = info
	out, err := json.Marshal(obj)
	if err != nil {
		return metadata
	}
	return out
}
