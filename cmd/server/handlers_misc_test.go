package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aye-is/feedbacker/pkg/models"

	"github.com/jackc/pgx/v5"
)

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(&fakeDB{})
	router := testRouter(s)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]interface{})
	if data["status"] != "healthy" {
		t.Fatalf("health status = %v", data["status"])
	}
	if data["version"] != serviceVersion {
		t.Fatalf("version = %v", data["version"])
	}
	if data["uptime_seconds"].(float64) <= 0 {
		t.Fatalf("uptime = %v", data["uptime_seconds"])
	}
}

func TestReadinessReflectsDatabase(t *testing.T) {
	db := &fakeDB{}
	db.queryRowFn = func(sql string, args []any) pgx.Row {
		if containsSQL(sql, "SELECT 1") {
			return fakeRow{values: []any{1}}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	s := newTestServer(db)
	router := testRouter(s)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/readiness", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	db.queryRowFn = func(sql string, args []any) pgx.Row {
		return fakeRow{err: pgx.ErrTxClosed}
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/readiness", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d with database down", rec.Code)
	}
}

func TestSmartTreeLatest(t *testing.T) {
	s := newTestServer(&fakeDB{})
	router := testRouter(s)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/smart-tree/latest", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]interface{})
	if data["version"] == "" {
		t.Fatalf("missing version in %v", data)
	}
	if data["download_url"] != "https://github.com/aye-is/smart-tree/releases/latest" {
		t.Fatalf("download_url = %v", data["download_url"])
	}
}

func signWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, router http.Handler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/github", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookSignatureVerification(t *testing.T) {
	db := &fakeDB{}
	s := newTestServer(db)
	s.WebhookSecret = "hook-secret"
	router := testRouter(s)

	body, _ := json.Marshal(map[string]interface{}{
		"action": "closed",
		"pull_request": map[string]interface{}{
			"html_url": "https://github.com/aye-is/smart-tree/pull/7",
			"merged":   true,
		},
		"repository": map[string]string{"full_name": "aye-is/smart-tree"},
	})

	rec := postWebhook(t, router, body, signWebhook("hook-secret", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !db.executed("WHERE pull_request_url") {
		t.Fatalf("expected metadata update, got %v", db.execSQL)
	}
	db.mu.Lock()
	var updateArgs []any
	for i, sql := range db.execSQL {
		if containsSQL(sql, "WHERE pull_request_url") {
			updateArgs = db.execArgs[i]
		}
	}
	db.mu.Unlock()
	if len(updateArgs) != 2 || updateArgs[1] != "https://github.com/aye-is/smart-tree/pull/7" {
		t.Fatalf("update args = %v", updateArgs)
	}

	rec = postWebhook(t, router, body, signWebhook("wrong-secret", body))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d with bad signature", rec.Code)
	}
	rec = postWebhook(t, router, body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d without signature", rec.Code)
	}
}

// With no secret configured, delivery is accepted unverified, matching
// a development setup.
func TestWebhookWithoutSecretSkipsVerification(t *testing.T) {
	s := newTestServer(&fakeDB{})
	router := testRouter(s)

	rec := postWebhook(t, router, []byte(`{"action":"opened"}`), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminStatsRoleGate(t *testing.T) {
	admin := testUser(models.RoleAdmin)
	plain := testUser(models.RoleUser)

	db := &fakeDB{}
	db.queryRowFn = func(sql string, args []any) pgx.Row {
		switch {
		case containsSQL(sql, "role, is_active FROM users WHERE id"):
			for _, u := range []models.User{admin, plain} {
				if len(args) == 1 && args[0] == u.ID {
					return fakeRow{values: []any{u.ID, u.Email, u.Name, string(u.Role), u.IsActive}}
				}
			}
			return fakeRow{err: pgx.ErrNoRows}
		case containsSQL(sql, "FILTER (WHERE is_active) FROM users"):
			return fakeRow{values: []any{int64(12), int64(10)}}
		case containsSQL(sql, "COUNT(*) FROM projects"):
			return fakeRow{values: []any{int64(3)}}
		default:
			return fakeRow{err: pgx.ErrNoRows}
		}
	}
	db.queryFn = func(sql string, args []any) (pgx.Rows, error) {
		if containsSQL(sql, "GROUP BY status") {
			return &fakeRows{rows: [][]any{
				{"pending", int64(4)},
				{"completed", int64(9)},
			}}, nil
		}
		return &fakeRows{}, nil
	}
	s := newTestServer(db)
	router := testRouter(s)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil), bearerToken(t, s, plain))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d for plain user", rec.Code)
	}

	req = authed(httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil), bearerToken(t, s, admin))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d for admin, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]interface{})
	if data["total_users"].(float64) != 12 || data["active_users"].(float64) != 10 {
		t.Fatalf("user counts = %v", data)
	}
	if data["total_feedback"].(float64) != 13 {
		t.Fatalf("total_feedback = %v", data["total_feedback"])
	}
	byStatus := data["feedback_by_status"].(map[string]interface{})
	if byStatus["pending"].(float64) != 4 || byStatus["completed"].(float64) != 9 {
		t.Fatalf("feedback_by_status = %v", byStatus)
	}
}

func TestMetricsRequireAdministerSystem(t *testing.T) {
	admin := testUser(models.RoleAdmin)
	plain := testUser(models.RoleUser)
	db := &fakeDB{}
	db.queryRowFn = func(sql string, args []any) pgx.Row {
		if containsSQL(sql, "role, is_active FROM users WHERE id") {
			for _, u := range []models.User{admin, plain} {
				if len(args) == 1 && args[0] == u.ID {
					return fakeRow{values: []any{u.ID, u.Email, u.Name, string(u.Role), u.IsActive}}
				}
			}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	s := newTestServer(db)
	router := testRouter(s)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d without credentials", rec.Code)
	}

	for _, path := range []string{"/metrics", "/metrics/prometheus"} {
		req := authed(httptest.NewRequest(http.MethodGet, path, nil), bearerToken(t, s, plain))
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s status = %d for plain user", path, rec.Code)
		}

		req = authed(httptest.NewRequest(http.MethodGet, path, nil), bearerToken(t, s, admin))
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d for admin", path, rec.Code)
		}
	}
}

func TestListUsersRequiresManageUsers(t *testing.T) {
	admin := testUser(models.RoleAdmin)
	plain := testUser(models.RoleUser)

	db := &fakeDB{}
	db.queryRowFn = func(sql string, args []any) pgx.Row {
		switch {
		case containsSQL(sql, "role, is_active FROM users WHERE id"):
			for _, u := range []models.User{admin, plain} {
				if len(args) == 1 && args[0] == u.ID {
					return fakeRow{values: []any{u.ID, u.Email, u.Name, string(u.Role), u.IsActive}}
				}
			}
			return fakeRow{err: pgx.ErrNoRows}
		case containsSQL(sql, "COUNT(*) FROM users"):
			return fakeRow{values: []any{int64(3)}}
		default:
			return fakeRow{err: pgx.ErrNoRows}
		}
	}
	s := newTestServer(db)
	router := testRouter(s)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/users", nil), bearerToken(t, s, plain))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d for plain user", rec.Code)
	}

	req = authed(httptest.NewRequest(http.MethodGet, "/api/users", nil), bearerToken(t, s, admin))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d for admin, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]interface{})
	pagination := data["pagination"].(map[string]interface{})
	if pagination["total"] != float64(3) {
		t.Fatalf("total = %v", pagination["total"])
	}
}

func TestGetUserRequiresManageUsers(t *testing.T) {
	admin := testUser(models.RoleAdmin)
	plain := testUser(models.RoleUser)
	target := testUser(models.RoleUser)

	db := &fakeDB{}
	db.queryRowFn = func(sql string, args []any) pgx.Row {
		switch {
		case containsSQL(sql, "role, is_active FROM users WHERE id"):
			for _, u := range []models.User{admin, plain} {
				if len(args) == 1 && args[0] == u.ID {
					return fakeRow{values: []any{u.ID, u.Email, u.Name, string(u.Role), u.IsActive}}
				}
			}
			return fakeRow{err: pgx.ErrNoRows}
		case containsSQL(sql, "last_login_at FROM users WHERE id"):
			if len(args) == 1 && args[0] == target.ID {
				return fakeRow{values: []any{
					target.ID, target.Email, target.Name, nil, target.EmailVerified,
					string(target.Role), target.IsActive, target.CreatedAt, target.UpdatedAt, nil,
				}}
			}
			return fakeRow{err: pgx.ErrNoRows}
		default:
			return fakeRow{err: pgx.ErrNoRows}
		}
	}
	s := newTestServer(db)
	router := testRouter(s)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/users/"+target.ID.String(), nil), bearerToken(t, s, plain))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d for plain user", rec.Code)
	}

	req = authed(httptest.NewRequest(http.MethodGet, "/api/users/"+target.ID.String(), nil), bearerToken(t, s, admin))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d for admin, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]interface{})
	if data["email"] != target.Email {
		t.Fatalf("email = %v", data["email"])
	}
}

func TestCreateProjectRoleGate(t *testing.T) {
	admin := testUser(models.RoleAdmin)
	plain := testUser(models.RoleUser)

	db := &fakeDB{}
	db.queryRowFn = func(sql string, args []any) pgx.Row {
		if containsSQL(sql, "role, is_active FROM users WHERE id") {
			for _, u := range []models.User{admin, plain} {
				if len(args) == 1 && args[0] == u.ID {
					return fakeRow{values: []any{u.ID, u.Email, u.Name, string(u.Role), u.IsActive}}
				}
			}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	s := newTestServer(db)
	router := testRouter(s)

	body := map[string]string{"repository": "aye-is/smart-tree", "default_llm_provider": "openai"}

	rec := postJSON(t, router, "/api/projects", body, bearerToken(t, s, plain))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d for plain user", rec.Code)
	}

	rec = postJSON(t, router, "/api/projects", body, bearerToken(t, s, admin))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d for admin, body %s", rec.Code, rec.Body.String())
	}
	if !db.executed("INSERT INTO projects") {
		t.Fatalf("expected project insert, got %v", db.execSQL)
	}
}

func TestCreateProjectRejectsUnknownProvider(t *testing.T) {
	admin := testUser(models.RoleAdmin)
	db := &fakeDB{}
	db.queryRowFn = verifierRowFor(admin)
	s := newTestServer(db)
	router := testRouter(s)

	body := map[string]string{"repository": "aye-is/smart-tree", "default_llm_provider": "cobol-9000"}
	rec := postJSON(t, router, "/api/projects", body, bearerToken(t, s, admin))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if db.executed("INSERT INTO projects") {
		t.Fatalf("unexpected insert for invalid provider")
	}
}

func TestPagesServeHTML(t *testing.T) {
	s := newTestServer(&fakeDB{})
	router := testRouter(s)

	for _, path := range []string{"/", "/about", "/docs", "/login", "/register"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
			t.Fatalf("%s content type = %q", path, ct)
		}
	}
}

func TestLoginFailureIsAudited(t *testing.T) {
	user := testUser(models.RoleUser)
	db := &fakeDB{}
	db.queryRowFn = func(sql string, args []any) pgx.Row {
		if containsSQL(sql, "password_hash") {
			return fakeRow{values: []any{
				user.ID, user.Email, user.Name, nil, "$2a$04$invalidhashinvalidhashinvalidhashinvalid",
				user.EmailVerified, string(user.Role), user.IsActive,
			}}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	s := newTestServer(db)
	router := testRouter(s)

	rec := postJSON(t, router, "/api/auth/login", map[string]string{"email": user.Email, "password": "wrong"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	db.mu.Lock()
	var auditArgs []any
	for i, sql := range db.execSQL {
		if containsSQL(sql, "INSERT INTO audit_records") {
			auditArgs = db.execArgs[i]
		}
	}
	db.mu.Unlock()
	if auditArgs == nil {
		t.Fatal("expected audit record for failed login")
	}
	if auditArgs[1] != "auth.login_failed" || auditArgs[5] != "denied" {
		t.Fatalf("audit args = %v", auditArgs)
	}
}

func TestAuditLogEndpointRoleGate(t *testing.T) {
	admin := testUser(models.RoleAdmin)
	plain := testUser(models.RoleUser)
	db := &fakeDB{}
	db.queryRowFn = func(sql string, args []any) pgx.Row {
		if containsSQL(sql, "role, is_active FROM users WHERE id") {
			for _, u := range []models.User{admin, plain} {
				if len(args) == 1 && args[0] == u.ID {
					return fakeRow{values: []any{u.ID, u.Email, u.Name, string(u.Role), u.IsActive}}
				}
			}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	s := newTestServer(db)
	router := testRouter(s)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/admin/audit", nil), bearerToken(t, s, plain))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d for plain user", rec.Code)
	}

	req = authed(httptest.NewRequest(http.MethodGet, "/api/admin/audit", nil), bearerToken(t, s, admin))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d for admin, body %s", rec.Code, rec.Body.String())
	}
}
