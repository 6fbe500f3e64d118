package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aye-is/feedbacker/pkg/audit"
	"github.com/aye-is/feedbacker/pkg/auth"
	"github.com/aye-is/feedbacker/pkg/jobs"
	"github.com/aye-is/feedbacker/pkg/metrics"
	"github.com/aye-is/feedbacker/pkg/models"
	"github.com/aye-is/feedbacker/pkg/store"
	"github.com/aye-is/feedbacker/pkg/stream"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "server-test-secret"

type fakeDB struct {
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	queryFn    func(sql string, args []any) (pgx.Rows, error)
	queryRowFn func(sql string, args []any) pgx.Row

	mu       sync.Mutex
	execSQL  []string
	execArgs [][]any
}

func (f *fakeDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, arguments)
	f.mu.Unlock()
	if f.execFn != nil {
		return f.execFn(sql, arguments)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryFn != nil {
		return f.queryFn(sql, args)
	}
	return &fakeRows{}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(sql, args)
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeDB) executed(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sql := range f.execSQL {
		if containsSQL(sql, substr) {
			return true
		}
	}
	return false
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: %d dest, %d values", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *fakeRows) Next() bool {
	if r.err != nil || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	return fakeRow{values: r.rows[r.idx-1]}.Scan(dest...)
}

func (r *fakeRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func (r *fakeRows) RawValues() [][]byte { return nil }
func (r *fakeRows) Conn() *pgx.Conn     { return nil }

func assignScan(dest any, value any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return errors.New("scan destination is not a pointer")
	}
	ev := dv.Elem()
	if value == nil {
		ev.Set(reflect.Zero(ev.Type()))
		return nil
	}
	vv := reflect.ValueOf(value)
	if vv.Type().AssignableTo(ev.Type()) {
		ev.Set(vv)
		return nil
	}
	if ev.Kind() == reflect.Pointer && vv.Type().AssignableTo(ev.Type().Elem()) {
		p := reflect.New(ev.Type().Elem())
		p.Elem().Set(vv)
		ev.Set(p)
		return nil
	}
	switch ev.Kind() {
	case reflect.Int, reflect.Int32, reflect.Int64:
		switch v := value.(type) {
		case int:
			ev.SetInt(int64(v))
			return nil
		case int32:
			ev.SetInt(int64(v))
			return nil
		case int64:
			ev.SetInt(v)
			return nil
		}
	case reflect.String:
		if v, ok := value.(string); ok {
			ev.SetString(v)
			return nil
		}
	case reflect.Float64:
		switch v := value.(type) {
		case float64:
			ev.SetFloat(v)
			return nil
		case int:
			ev.SetFloat(float64(v))
			return nil
		}
	}
	return fmt.Errorf("cannot scan %T into %T", value, dest)
}

func containsSQL(sql, substr string) bool {
	normalize := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	}
	return strings.Contains(normalize(sql), normalize(substr))
}

func testUser(role models.Role) models.User {
	return models.User{
		ID:            uuid.New(),
		Email:         "hue@example.com",
		Name:          "Hue",
		Role:          role,
		EmailVerified: true,
		IsActive:      true,
		CreatedAt:     time.Unix(1700000000, 0).UTC(),
		UpdatedAt:     time.Unix(1700000000, 0).UTC(),
	}
}

// verifierRowFor answers the gatekeeper freshness query for the given
// user; all other point lookups miss.
func verifierRowFor(user models.User) func(sql string, args []any) pgx.Row {
	return func(sql string, args []any) pgx.Row {
		if containsSQL(sql, "role, is_active FROM users WHERE id") {
			if len(args) == 1 && args[0] == user.ID {
				return fakeRow{values: []any{user.ID, user.Email, user.Name, string(user.Role), user.IsActive}}
			}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
}

func newTestServer(db *fakeDB) *Server {
	s := &Server{
		DB:                  db,
		Audit:               &audit.Writer{DB: db},
		Cache:               store.NewMemoryCache(),
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Queue:               jobs.NewMemQueue(16),
		AuthSecret:          testSecret,
		TokenTTL:            time.Hour,
		BcryptCost:          bcrypt.MinCost,
		DefaultLLMProvider:  "openai",
		StatsCacheTTL:       time.Minute,
		MaxRequestBodyBytes: 1 << 20,
		StartedAt:           time.Now().Add(-time.Minute),
	}
	return s
}

func testRouter(s *Server) chi.Router {
	gate := auth.NewGatekeeper(testSecret, nil, auth.UserVerifierFunc(s.verifyActiveUser))
	gate.Revoked = s.tokenRevoked
	return s.router(gate)
}

func bearerToken(t *testing.T, s *Server, user models.User) string {
	t.Helper()
	token, _, err := s.issueToken(user, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}
