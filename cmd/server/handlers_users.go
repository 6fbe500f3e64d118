package main

import (
	"log"
	"net/http"

	"github.com/aye-is/feedbacker/pkg/auth"
	"github.com/aye-is/feedbacker/pkg/httpx"
	"github.com/aye-is/feedbacker/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// handleListUsers guards the exact /api/users path itself; the ordered
// rule table only covers the /api/users/ prefix.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "Authentication token required")
		return
	}
	if !auth.Authorize(caller.Role, auth.CapManageUsers) {
		httpx.Forbidden(w, "Insufficient permissions")
		return
	}
	p := parsePagination(r)
	var total int64
	if err := s.DB.QueryRow(r.Context(), `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		log.Printf("user count failed: %v", err)
		httpx.Internal(w)
		return
	}
	order := "DESC"
	if p.SortOrder == "asc" {
		order = "ASC"
	}
	rows, err := s.DB.Query(r.Context(), `
		SELECT id, email, name, github_username, email_verified, role, is_active, created_at, updated_at, last_login_at
		FROM users ORDER BY created_at `+order+` LIMIT $1 OFFSET $2
	`, p.Limit, p.Offset())
	if err != nil {
		log.Printf("user list failed: %v", err)
		httpx.Internal(w)
		return
	}
	defer rows.Close()

	users := make([]models.User, 0, p.Limit)
	for rows.Next() {
		var user models.User
		var role string
		if err := rows.Scan(&user.ID, &user.Email, &user.Name, &user.GithubUsername, &user.EmailVerified, &role, &user.IsActive, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt); err != nil {
			log.Printf("user scan failed: %v", err)
			httpx.Internal(w)
			return
		}
		if parsed, ok := models.ParseRole(role); ok {
			user.Role = parsed
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		log.Printf("user list failed: %v", err)
		httpx.Internal(w)
		return
	}
	httpx.OK(w, http.StatusOK, "Users retrieved", models.NewPage(users, p.Page, p.Limit, total))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.NotFound(w, "User not found")
		return
	}
	user, err := s.loadUser(r.Context(), id)
	if err != nil {
		if err == pgx.ErrNoRows {
			httpx.NotFound(w, "User not found")
			return
		}
		log.Printf("user load failed: %v", err)
		httpx.Internal(w)
		return
	}
	httpx.OK(w, http.StatusOK, "User retrieved", user)
}
