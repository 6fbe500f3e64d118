package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aye-is/feedbacker/pkg/feedbackfsm"
	"github.com/aye-is/feedbacker/pkg/jobs"
	"github.com/aye-is/feedbacker/pkg/llm"
	"github.com/aye-is/feedbacker/pkg/models"
	"github.com/aye-is/feedbacker/pkg/stream"

	"github.com/google/uuid"
)

var errConflictingState = errors.New("conflicting feedback state")

// processJobs is the worker loop: it drains the queue and drives each
// feedback record through its lifecycle.
func (s *Server) processJobs(ctx context.Context) {
	for {
		job, err := s.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, jobs.ErrQueueClosed) {
				return
			}
			log.Printf("dequeue failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := s.processFeedback(ctx, job.FeedbackID); err != nil {
			log.Printf("feedback %s processing failed: %v", job.FeedbackID, err)
			s.Metrics.IncJobsFailed()
			continue
		}
		s.Metrics.IncJobsProcessed()
	}
}

func (s *Server) processFeedback(ctx context.Context, id uuid.UUID) error {
	f, err := s.loadFeedback(ctx, id)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	// Claim the record; a concurrent worker losing the race is not an
	// error, the job is simply already taken.
	if err := s.advanceFeedback(ctx, id, f.Status, models.StatusProcessing); err != nil {
		if errors.Is(err, errConflictingState) || errors.Is(err, feedbackfsm.ErrInvalidTransition) {
			log.Printf("feedback %s not claimable from %s, skipping", id, f.Status)
			return nil
		}
		return fmt.Errorf("claim: %w", err)
	}

	provider := s.DefaultLLMProvider
	if f.LLMProvider != nil && *f.LLMProvider != "" {
		provider = *f.LLMProvider
	}
	gen, err := s.newGenerator(provider)
	if err != nil {
		return s.failFeedback(ctx, id, models.StatusProcessing, err)
	}

	if err := s.advanceFeedback(ctx, id, models.StatusProcessing, models.StatusGeneratingChanges); err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	changes, err := gen.GenerateChanges(ctx, llm.Request{
		Repository:    f.Repository,
		Content:       f.Content,
		SystemMessage: s.projectSystemMessage(ctx, f.Repository),
	})
	if err != nil {
		return s.failFeedback(ctx, id, models.StatusGeneratingChanges, err)
	}
	if len(changes.Files) == 0 {
		return s.failFeedback(ctx, id, models.StatusGeneratingChanges, errors.New("generator produced no file changes"))
	}

	if err := s.advanceFeedback(ctx, id, models.StatusGeneratingChanges, models.StatusCreatingPullRequest); err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	branch, prURL, err := s.openPullRequest(ctx, f, changes)
	if err != nil {
		return s.failFeedback(ctx, id, models.StatusCreatingPullRequest, err)
	}

	return s.completeFeedback(ctx, id, branch, prURL)
}

// projectSystemMessage returns the per-project prompt override, if the
// repository is registered.
func (s *Server) projectSystemMessage(ctx context.Context, repository string) string {
	var msg *string
	err := s.DB.QueryRow(ctx, `SELECT system_message FROM projects WHERE repository = $1 AND is_active`, repository).Scan(&msg)
	if err != nil || msg == nil {
		return ""
	}
	return *msg
}

func (s *Server) openPullRequest(ctx context.Context, f models.Feedback, changes llm.ChangeSet) (string, string, error) {
	owner, name, ok := strings.Cut(f.Repository, "/")
	if !ok {
		return "", "", fmt.Errorf("malformed repository %q", f.Repository)
	}
	repo, err := s.Repos.GetRepository(ctx, owner, name)
	if err != nil {
		return "", "", fmt.Errorf("repository lookup: %w", err)
	}
	baseSHA, err := s.Repos.BranchHead(ctx, owner, name, repo.DefaultBranch)
	if err != nil {
		return "", "", fmt.Errorf("branch head: %w", err)
	}
	branch := "feedbacker/" + shortID(f.ID)
	if err := s.Repos.CreateBranch(ctx, owner, name, branch, baseSHA); err != nil {
		return "", "", fmt.Errorf("create branch: %w", err)
	}
	for _, file := range changes.Files {
		message := fmt.Sprintf("Apply feedback %s: %s", shortID(f.ID), file.Path)
		if err := s.Repos.PutFile(ctx, owner, name, branch, file.Path, message, file.Content); err != nil {
			return "", "", fmt.Errorf("put %s: %w", file.Path, err)
		}
	}
	title := changes.Summary
	if title == "" {
		title = "Automated changes from feedback " + shortID(f.ID)
	}
	body := fmt.Sprintf("Automated pull request generated from user feedback.\n\n> %s", truncateContent(f.Content, contentPreviewLen))
	pr, err := s.Repos.CreatePullRequest(ctx, owner, name, title, body, branch, repo.DefaultBranch)
	if err != nil {
		return "", "", fmt.Errorf("create pull request: %w", err)
	}
	return branch, pr.HTMLURL, nil
}

// advanceFeedback applies a lifecycle transition with a compare-and-set
// on the current status.
func (s *Server) advanceFeedback(ctx context.Context, id uuid.UUID, from, to models.FeedbackStatus) error {
	if !feedbackfsm.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", feedbackfsm.ErrInvalidTransition, from, to)
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE feedback SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4
	`, string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s no longer in %s", errConflictingState, id, from)
	}
	s.Metrics.IncFeedbackStatus(string(to))
	s.Events.Publish(stream.NewStatusEvent(id.String(), from, to, ""))
	return nil
}

func (s *Server) completeFeedback(ctx context.Context, id uuid.UUID, branch, prURL string) error {
	from := models.StatusCreatingPullRequest
	tag, err := s.DB.Exec(ctx, `
		UPDATE feedback SET status = $1, branch_name = $2, pull_request_url = $3, completed_at = $4, updated_at = $4
		WHERE id = $5 AND status = $6
	`, string(models.StatusCompleted), branch, prURL, time.Now().UTC(), id, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s no longer in %s", errConflictingState, id, from)
	}
	s.Metrics.IncFeedbackStatus(string(models.StatusCompleted))
	s.Events.Publish(stream.NewStatusEvent(id.String(), from, models.StatusCompleted, ""))
	s.Events.Publish(stream.NewEvent(stream.TypePullRequestOpened, map[string]string{
		"feedback_id":      id.String(),
		"pull_request_url": prURL,
		"branch_name":      branch,
	}))
	return nil
}

// failFeedback records the failure and returns the cause so the loop
// counts the job as failed.
func (s *Server) failFeedback(ctx context.Context, id uuid.UUID, from models.FeedbackStatus, cause error) error {
	if !feedbackfsm.CanTransition(from, models.StatusFailed) {
		return fmt.Errorf("%w: %s -> failed (cause: %v)", feedbackfsm.ErrInvalidTransition, from, cause)
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE feedback SET status = $1, error_message = $2, completed_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5
	`, string(models.StatusFailed), cause.Error(), time.Now().UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("record failure: %v (cause: %w)", err, cause)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w while failing %s (cause: %v)", errConflictingState, id, cause)
	}
	s.Metrics.IncFeedbackStatus(string(models.StatusFailed))
	s.Events.Publish(stream.NewStatusEvent(id.String(), from, models.StatusFailed, cause.Error()))
	return cause
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.DB == nil || s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var pending int
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM feedback WHERE status = $1`, string(models.StatusPending)).Scan(&pending)
	s.Metrics.SetGauge("feedback_pending", float64(pending))
	var oldest float64
	_ = s.DB.QueryRow(ctx, `
		SELECT COALESCE(MAX(EXTRACT(EPOCH FROM (now() - created_at))), 0)
		FROM feedback WHERE status = $1
	`, string(models.StatusPending)).Scan(&oldest)
	s.Metrics.SetGauge("feedback_pending_oldest_seconds", oldest)
	var inflight int
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM feedback WHERE status IN ($1, $2, $3)
	`, string(models.StatusProcessing), string(models.StatusGeneratingChanges), string(models.StatusCreatingPullRequest)).Scan(&inflight)
	s.Metrics.SetGauge("feedback_inflight", float64(inflight))
	var activeUsers int
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE is_active`).Scan(&activeUsers)
	s.Metrics.SetGauge("users_active", float64(activeUsers))
}

func shortID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:12]
}
