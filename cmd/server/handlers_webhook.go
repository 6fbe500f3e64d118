package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/aye-is/feedbacker/pkg/audit"
	"github.com/aye-is/feedbacker/pkg/httpx"
)

type githubWebhookPayload struct {
	Action      string `json:"action"`
	PullRequest *struct {
		HTMLURL string `json:"html_url"`
		Merged  bool   `json:"merged"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// handleGithubWebhook verifies the X-Hub-Signature-256 HMAC and records
// pull-request outcomes against the originating feedback.
func (s *Server) handleGithubWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	if s.WebhookSecret != "" && !verifyWebhookSignature(body, r.Header.Get("X-Hub-Signature-256"), s.WebhookSecret) {
		s.auditEvent(r.Context(), audit.Record{
			EventType: audit.EventWebhook,
			Path:      r.URL.Path,
			Outcome:   audit.OutcomeDenied,
		})
		httpx.Unauthorized(w, "Invalid webhook signature")
		return
	}
	var payload githubWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.Fail(w, http.StatusBadRequest, httpx.CodeValidation, "Invalid JSON body", nil)
		return
	}

	if payload.PullRequest != nil && payload.PullRequest.HTMLURL != "" {
		prState, err := json.Marshal(map[string]interface{}{
			"pr_action": payload.Action,
			"pr_merged": payload.PullRequest.Merged,
		})
		if err == nil {
			_, err = s.DB.Exec(r.Context(), `
				UPDATE feedback
				SET metadata = COALESCE(metadata, '{}'::jsonb) || $1::jsonb, updated_at = now()
				WHERE pull_request_url = $2
			`, prState, payload.PullRequest.HTMLURL)
		}
		if err != nil {
			log.Printf("webhook feedback update failed: %v", err)
		}
	}
	detail, _ := json.Marshal(map[string]string{
		"action":     payload.Action,
		"repository": payload.Repository.FullName,
	})
	s.auditEvent(r.Context(), audit.Record{
		EventType: audit.EventWebhook,
		Path:      r.URL.Path,
		Outcome:   audit.OutcomeSuccess,
		Detail:    detail,
	})
	httpx.OK(w, http.StatusOK, "Webhook processed", nil)
}

func verifyWebhookSignature(body []byte, header, secret string) bool {
	signature, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
