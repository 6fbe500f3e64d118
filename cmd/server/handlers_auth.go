package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/aye-is/feedbacker/pkg/audit"
	"github.com/aye-is/feedbacker/pkg/auth"
	"github.com/aye-is/feedbacker/pkg/httpx"
	"github.com/aye-is/feedbacker/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

type registerRequest struct {
	Email          string  `json:"email"`
	Name           string  `json:"name"`
	Password       string  `json:"password"`
	GithubUsername *string `json:"github_username,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userInfo struct {
	ID             uuid.UUID   `json:"id"`
	Email          string      `json:"email"`
	Name           string      `json:"name"`
	GithubUsername *string     `json:"github_username,omitempty"`
	Role           models.Role `json:"role"`
	EmailVerified  bool        `json:"email_verified"`
}

type authResponse struct {
	User      userInfo  `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func infoOf(u models.User) userInfo {
	return userInfo{
		ID:             u.ID,
		Email:          u.Email,
		Name:           u.Name,
		GithubUsername: u.GithubUsername,
		Role:           u.Role,
		EmailVerified:  u.EmailVerified,
	}
}

func validEmail(email string) bool {
	return strings.Contains(email, "@") && len(email) <= 255
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, httpx.CodeValidation, "Invalid JSON body", nil)
		return
	}
	var violations []string
	if !validEmail(req.Email) {
		violations = append(violations, "email must contain '@' and be at most 255 characters")
	}
	if strings.TrimSpace(req.Name) == "" {
		violations = append(violations, "name is required")
	}
	if len(req.Password) < 8 {
		violations = append(violations, "password must be at least 8 characters")
	}
	if len(violations) > 0 {
		httpx.ValidationFailed(w, violations)
		return
	}

	var existing uuid.UUID
	err := s.DB.QueryRow(r.Context(), `SELECT id FROM users WHERE email = $1`, req.Email).Scan(&existing)
	if err == nil {
		httpx.Conflict(w, "Email already registered")
		return
	}
	if err != pgx.ErrNoRows {
		log.Printf("register lookup failed: %v", err)
		httpx.Internal(w)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.BcryptCost)
	if err != nil {
		log.Printf("password hash failed: %v", err)
		httpx.Internal(w)
		return
	}

	now := time.Now().UTC()
	user := models.User{
		ID:             uuid.New(),
		Email:          req.Email,
		Name:           strings.TrimSpace(req.Name),
		GithubUsername: req.GithubUsername,
		Role:           models.RoleUser,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = s.DB.Exec(r.Context(), `
		INSERT INTO users (id, email, name, github_username, password_hash, email_verified, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, false, $6, true, $7, $7)
	`, user.ID, user.Email, user.Name, user.GithubUsername, string(hash), string(user.Role), now)
	if err != nil {
		log.Printf("register insert failed: %v", err)
		httpx.Internal(w)
		return
	}

	token, expiresAt, err := s.issueToken(user, now)
	if err != nil {
		log.Printf("token issue failed: %v", err)
		httpx.Internal(w)
		return
	}
	s.auditEvent(r.Context(), audit.Record{
		EventType: audit.EventRegister,
		ActorID:   user.ID.String(),
		ActorRef:  user.Email,
		Path:      r.URL.Path,
		Outcome:   audit.OutcomeSuccess,
	})
	httpx.OK(w, http.StatusCreated, "Account created", authResponse{User: infoOf(user), Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req loginRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, httpx.CodeValidation, "Invalid JSON body", nil)
		return
	}

	var user models.User
	var role, passwordHash string
	row := s.DB.QueryRow(r.Context(), `
		SELECT id, email, name, github_username, password_hash, email_verified, role, is_active
		FROM users WHERE email = $1
	`, req.Email)
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.GithubUsername, &passwordHash, &user.EmailVerified, &role, &user.IsActive)
	if err != nil {
		if err != pgx.ErrNoRows {
			log.Printf("login lookup failed: %v", err)
		}
		httpx.Unauthorized(w, "Invalid email or password")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.Password)) != nil {
		s.auditEvent(r.Context(), audit.Record{
			EventType: audit.EventLoginFailed,
			ActorRef:  req.Email,
			Path:      r.URL.Path,
			Outcome:   audit.OutcomeDenied,
		})
		httpx.Unauthorized(w, "Invalid email or password")
		return
	}
	if !user.IsActive {
		httpx.Unauthorized(w, "Invalid user or account disabled")
		return
	}
	parsed, ok := models.ParseRole(role)
	if !ok {
		log.Printf("login: user %s has unknown role %q", user.ID, role)
		httpx.Internal(w)
		return
	}
	user.Role = parsed

	now := time.Now().UTC()
	token, expiresAt, err := s.issueToken(user, now)
	if err != nil {
		log.Printf("token issue failed: %v", err)
		httpx.Internal(w)
		return
	}
	if _, err := s.DB.Exec(r.Context(), `UPDATE users SET last_login_at = $1, updated_at = $1 WHERE id = $2`, now, user.ID); err != nil {
		log.Printf("last login update failed: %v", err)
	}
	s.auditEvent(r.Context(), audit.Record{
		EventType: audit.EventLogin,
		ActorID:   user.ID.String(),
		ActorRef:  user.Email,
		Path:      r.URL.Path,
		Outcome:   audit.OutcomeSuccess,
	})
	httpx.OK(w, http.StatusOK, "Login successful", authResponse{User: infoOf(user), Token: token, ExpiresAt: expiresAt})
}

// Logout revokes the presented token for the remainder of its lifetime.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, err := auth.ExtractToken(r)
	if err != nil {
		httpx.Unauthorized(w, "Authentication token required")
		return
	}
	caller, _ := auth.CallerFromContext(r.Context())
	ttl := time.Until(time.Unix(caller.Claims.Exp, 0))
	if ttl > 0 {
		if err := s.Cache.Set(r.Context(), revocationKey(token), "1", ttl); err != nil {
			log.Printf("token revocation failed: %v", err)
			httpx.Internal(w)
			return
		}
	}
	s.auditEvent(r.Context(), audit.Record{
		EventType: audit.EventLogout,
		ActorID:   caller.ID,
		ActorRef:  caller.Email,
		Path:      r.URL.Path,
		Outcome:   audit.OutcomeSuccess,
	})
	httpx.OK(w, http.StatusOK, "Logged out", nil)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
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
	user, err := s.loadUser(r.Context(), uid)
	if err != nil {
		if err == pgx.ErrNoRows {
			httpx.NotFound(w, "User not found")
			return
		}
		log.Printf("profile load failed: %v", err)
		httpx.Internal(w)
		return
	}
	httpx.OK(w, http.StatusOK, "Profile retrieved", user)
}

func (s *Server) issueToken(user models.User, now time.Time) (string, time.Time, error) {
	claims := auth.NewClaims(user, now, s.TokenTTL)
	token, err := auth.SignHS256(claims, s.AuthSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.Unix(claims.Exp, 0).UTC(), nil
}

func (s *Server) loadUser(ctx context.Context, id uuid.UUID) (models.User, error) {
	var user models.User
	var role string
	row := s.DB.QueryRow(ctx, `
		SELECT id, email, name, github_username, email_verified, role, is_active, created_at, updated_at, last_login_at
		FROM users WHERE id = $1
	`, id)
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.GithubUsername, &user.EmailVerified, &role, &user.IsActive, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt)
	if err != nil {
		return models.User{}, err
	}
	if parsed, ok := models.ParseRole(role); ok {
		user.Role = parsed
	}
	return user, nil
}
