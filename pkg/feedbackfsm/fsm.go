package feedbackfsm

import (
	"errors"

	"github.com/aye-is/feedbacker/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid feedback transition")

// Event is a lifecycle trigger. Each event maps to exactly one target
// status; Retry additionally clears the recorded error.
type Event string

const (
	EventStartProcessing   Event = "START_PROCESSING"
	EventGenerateChanges   Event = "GENERATE_CHANGES"
	EventCreatePullRequest Event = "CREATE_PULL_REQUEST"
	EventComplete          Event = "COMPLETE"
	EventFail              Event = "FAIL"
	EventPause             Event = "PAUSE"
	EventRetry             Event = "RETRY"
)

// CanTransition reports whether moving from one status to another is a
// legal forward step. Failed is reachable from every non-terminal state;
// Paused only from the two active processing states; Retry (to Pending)
// only from Failed or Paused.
func CanTransition(from, to models.FeedbackStatus) bool {
	switch from {
	case models.StatusPending:
		return to == models.StatusProcessing || to == models.StatusFailed
	case models.StatusProcessing:
		return to == models.StatusGeneratingChanges || to == models.StatusFailed || to == models.StatusPaused
	case models.StatusGeneratingChanges:
		return to == models.StatusCreatingPullRequest || to == models.StatusFailed || to == models.StatusPaused
	case models.StatusCreatingPullRequest:
		return to == models.StatusCompleted || to == models.StatusFailed
	case models.StatusFailed, models.StatusPaused:
		return to == models.StatusPending
	default:
		return false
	}
}

func Transition(from, to models.FeedbackStatus) (models.FeedbackStatus, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from models.FeedbackStatus, event Event) (models.FeedbackStatus, error) {
	switch event {
	case EventStartProcessing:
		return Transition(from, models.StatusProcessing)
	case EventGenerateChanges:
		return Transition(from, models.StatusGeneratingChanges)
	case EventCreatePullRequest:
		return Transition(from, models.StatusCreatingPullRequest)
	case EventComplete:
		return Transition(from, models.StatusCompleted)
	case EventFail:
		return Transition(from, models.StatusFailed)
	case EventPause:
		return Transition(from, models.StatusPaused)
	case EventRetry:
		if !CanRetry(from) {
			return from, ErrInvalidTransition
		}
		return models.StatusPending, nil
	default:
		return from, ErrInvalidTransition
	}
}

// IsTerminal reports whether forward progress has ended. Failed is
// terminal for forward progress but still eligible for Retry.
func IsTerminal(status models.FeedbackStatus) bool {
	return status == models.StatusCompleted || status == models.StatusFailed
}

func CanRetry(status models.FeedbackStatus) bool {
	return status == models.StatusFailed || status == models.StatusPaused
}

// Completes reports whether entering the status must stamp completed_at.
func Completes(status models.FeedbackStatus) bool {
	return status == models.StatusCompleted || status == models.StatusFailed
}
