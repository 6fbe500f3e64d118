package main

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aye-is/feedbacker/pkg/auth"
	"github.com/aye-is/feedbacker/pkg/httpx"
	"github.com/aye-is/feedbacker/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type adminStats struct {
	TotalUsers       int64            `json:"total_users"`
	ActiveUsers      int64            `json:"active_users"`
	TotalProjects    int64            `json:"total_projects"`
	TotalFeedback    int64            `json:"total_feedback"`
	FeedbackByStatus map[string]int64 `json:"feedback_by_status"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats := adminStats{
		FeedbackByStatus: map[string]int64{},
		UptimeSeconds:    int64(time.Since(s.StartedAt) / time.Second),
	}
	if err := s.DB.QueryRow(ctx, `SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active) FROM users`).Scan(&stats.TotalUsers, &stats.ActiveUsers); err != nil {
		log.Printf("admin stats users query failed: %v", err)
		httpx.Internal(w)
		return
	}
	if err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM projects`).Scan(&stats.TotalProjects); err != nil {
		log.Printf("admin stats projects query failed: %v", err)
		httpx.Internal(w)
		return
	}
	rows, err := s.DB.Query(ctx, `SELECT status, COUNT(*) FROM feedback GROUP BY status`)
	if err != nil {
		log.Printf("admin stats feedback query failed: %v", err)
		httpx.Internal(w)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			log.Printf("admin stats scan failed: %v", err)
			httpx.Internal(w)
			return
		}
		stats.FeedbackByStatus[status] = count
		stats.TotalFeedback += count
	}
	if err := rows.Err(); err != nil {
		log.Printf("admin stats feedback query failed: %v", err)
		httpx.Internal(w)
		return
	}
	httpx.OK(w, http.StatusOK, "Stats retrieved", stats)
}

// handleAuditLog exposes the newest audit records; the gatekeeper has
// already required administer-system capability for /api/admin paths.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Fail(w, http.StatusServiceUnavailable, httpx.CodeInternal, "Audit log unavailable", nil)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.Audit.Recent(r.Context(), r.URL.Query().Get("event_type"), limit)
	if err != nil {
		log.Printf("audit query failed: %v", err)
		httpx.Internal(w)
		return
	}
	httpx.OK(w, http.StatusOK, "Audit records retrieved", records)
}

// streamEvents pushes lifecycle events over a websocket until the
// client disconnects or the hub closes the subscription.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "Authentication token required")
		return
	}
	if !auth.Authorize(caller.Role, auth.CapReadAllFeedback) {
		httpx.Forbidden(w, "Insufficient permissions")
		return
	}
	if s.Events == nil {
		httpx.Fail(w, http.StatusServiceUnavailable, httpx.CodeInternal, "Event stream unavailable", nil)
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
