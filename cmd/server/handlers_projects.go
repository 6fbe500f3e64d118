package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/aye-is/feedbacker/pkg/auth"
	"github.com/aye-is/feedbacker/pkg/httpx"
	"github.com/aye-is/feedbacker/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type createProjectRequest struct {
	Repository         string          `json:"repository"`
	Description        *string         `json:"description,omitempty"`
	DefaultLLMProvider *string         `json:"default_llm_provider,omitempty"`
	SystemMessage      *string         `json:"system_message,omitempty"`
	Config             json.RawMessage `json:"config,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "Authentication token required")
		return
	}
	if !auth.Authorize(caller.Role, auth.CapManageProjects) {
		httpx.Forbidden(w, "Insufficient permissions")
		return
	}
	ownerID, err := uuid.Parse(caller.ID)
	if err != nil {
		httpx.Unauthorized(w, "Invalid user or account disabled")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req createProjectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, httpx.CodeValidation, "Invalid JSON body", nil)
		return
	}
	var violations []string
	if !validRepository(req.Repository) {
		violations = append(violations, "repository must be in 'owner/name' format")
	}
	if req.DefaultLLMProvider != nil && !models.IsSupportedLLMProvider(*req.DefaultLLMProvider) {
		violations = append(violations, "default_llm_provider must be one of: "+strings.Join(models.SupportedLLMProviders, ", "))
	}
	if len(violations) > 0 {
		httpx.ValidationFailed(w, violations)
		return
	}

	var existing uuid.UUID
	err = s.DB.QueryRow(r.Context(), `SELECT id FROM projects WHERE repository = $1`, req.Repository).Scan(&existing)
	if err == nil {
		httpx.Conflict(w, "Project already registered for this repository")
		return
	}
	if err != pgx.ErrNoRows {
		log.Printf("project lookup failed: %v", err)
		httpx.Internal(w)
		return
	}

	now := time.Now().UTC()
	project := models.Project{
		ID:                 uuid.New(),
		OwnerID:            ownerID,
		Repository:         req.Repository,
		Description:        req.Description,
		DefaultLLMProvider: req.DefaultLLMProvider,
		SystemMessage:      req.SystemMessage,
		Config:             req.Config,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	_, err = s.DB.Exec(r.Context(), `
		INSERT INTO projects (id, owner_id, repository, description, default_llm_provider, system_message, config, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8, $8)
	`, project.ID, project.OwnerID, project.Repository, project.Description, project.DefaultLLMProvider, project.SystemMessage, project.Config, now)
	if err != nil {
		log.Printf("project insert failed: %v", err)
		httpx.Internal(w)
		return
	}
	httpx.OK(w, http.StatusCreated, "Project created", project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "Authentication token required")
		return
	}
	if !auth.Authorize(caller.Role, auth.CapManageProjects) {
		httpx.Forbidden(w, "Insufficient permissions")
		return
	}
	p := parsePagination(r)
	var total int64
	if err := s.DB.QueryRow(r.Context(), `SELECT COUNT(*) FROM projects`).Scan(&total); err != nil {
		log.Printf("project count failed: %v", err)
		httpx.Internal(w)
		return
	}
	order := "DESC"
	if p.SortOrder == "asc" {
		order = "ASC"
	}
	rows, err := s.DB.Query(r.Context(), `
		SELECT id, owner_id, repository, description, default_llm_provider, system_message, config, is_active, created_at, updated_at, last_activity_at
		FROM projects ORDER BY created_at `+order+` LIMIT $1 OFFSET $2
	`, p.Limit, p.Offset())
	if err != nil {
		log.Printf("project list failed: %v", err)
		httpx.Internal(w)
		return
	}
	defer rows.Close()

	projects := make([]models.Project, 0, p.Limit)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			log.Printf("project scan failed: %v", err)
			httpx.Internal(w)
			return
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		log.Printf("project list failed: %v", err)
		httpx.Internal(w)
		return
	}
	httpx.OK(w, http.StatusOK, "Projects retrieved", models.NewPage(projects, p.Page, p.Limit, total))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.NotFound(w, "Project not found")
		return
	}
	row := s.DB.QueryRow(r.Context(), `
		SELECT id, owner_id, repository, description, default_llm_provider, system_message, config, is_active, created_at, updated_at, last_activity_at
		FROM projects WHERE id = $1
	`, id)
	project, err := scanProject(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			httpx.NotFound(w, "Project not found")
			return
		}
		log.Printf("project load failed: %v", err)
		httpx.Internal(w)
		return
	}
	httpx.OK(w, http.StatusOK, "Project retrieved", project)
}

func scanProject(row pgx.Row) (models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.OwnerID, &p.Repository, &p.Description, &p.DefaultLLMProvider, &p.SystemMessage, &p.Config, &p.IsActive, &p.CreatedAt, &p.UpdatedAt, &p.LastActivityAt)
	if err != nil {
		return models.Project{}, err
	}
	return p, nil
}
