package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aye-is/feedbacker/pkg/audit"
	"github.com/aye-is/feedbacker/pkg/auth"
	"github.com/aye-is/feedbacker/pkg/github"
	"github.com/aye-is/feedbacker/pkg/httpx"
	"github.com/aye-is/feedbacker/pkg/jobs"
	"github.com/aye-is/feedbacker/pkg/llm"
	"github.com/aye-is/feedbacker/pkg/metrics"
	"github.com/aye-is/feedbacker/pkg/models"
	"github.com/aye-is/feedbacker/pkg/ratelimit"
	"github.com/aye-is/feedbacker/pkg/store"
	"github.com/aye-is/feedbacker/pkg/stream"
	"github.com/aye-is/feedbacker/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

type Server struct {
	DB                  serverDB
	Cache               store.Cache
	Redis               *redis.Client
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Queue               jobs.Queue
	Repos               repoHost
	Audit               *audit.Writer
	AuthSecret          string
	TokenTTL            time.Duration
	BcryptCost          int
	WebhookSecret       string
	DefaultLLMProvider  string
	StatsCacheTTL       time.Duration
	MaxRequestBodyBytes int64
	StartedAt           time.Time

	newGenerator func(provider string) (llm.Generator, error)
}

type serverDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type serverDBCloser interface {
	serverDB
	Close()
}

// repoHost is the slice of the GitHub API the pull-request step needs.
type repoHost interface {
	GetRepository(ctx context.Context, owner, repo string) (github.Repository, error)
	BranchHead(ctx context.Context, owner, repo, branch string) (string, error)
	CreateBranch(ctx context.Context, owner, repo, branch, fromSHA string) error
	PutFile(ctx context.Context, owner, repo, branch, path, message, content string) error
	CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (github.PullRequest, error)
}

type serverInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type serverOpenDBFunc func(ctx context.Context) (serverDBCloser, error)
type serverOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type serverListenFunc func(server *http.Server) error
type serverStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (serverDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn     = store.NewRedis
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn    = func(s *Server) {
		go s.processJobs(context.Background())
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runServer(initTelemetryFn, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("feedbacker: %v", err)
	}
}

func runServer(
	initTelemetry serverInitTelemetryFunc,
	openDB serverOpenDBFunc,
	openRedis serverOpenRedisFunc,
	listen serverListenFunc,
	startLoops serverStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "feedbacker")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	authSecret := env("JWT_SECRET", "")
	if authSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	bcryptCost := envInt("BCRYPT_COST", bcrypt.DefaultCost)
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}

	s := &Server{
		DB:                  pool,
		Cache:               cache,
		Redis:               redisClient,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		AuthSecret:          authSecret,
		TokenTTL:            time.Hour * time.Duration(envInt("TOKEN_TTL_HOURS", 24)),
		BcryptCost:          bcryptCost,
		WebhookSecret:       env("GITHUB_WEBHOOK_SECRET", ""),
		DefaultLLMProvider:  env("DEFAULT_LLM_PROVIDER", "openai"),
		StatsCacheTTL:       envDurationSec("STATS_CACHE_TTL_SEC", 60),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		StartedAt:           time.Now().UTC(),
	}
	if s.WebhookSecret == "" {
		log.Printf("GITHUB_WEBHOOK_SECRET is not set, incoming webhook signatures will not be verified")
	}
	s.Audit = &audit.Writer{
		DB:       pool,
		HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
		Redact:   env("AUDIT_REDACT", "true") == "true",
	}
	s.Repos = &github.Client{
		HTTP:       telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("GITHUB_TIMEOUT_MS", 10000))}),
		BaseURL:    env("GITHUB_API_URL", ""),
		Token:      env("GITHUB_TOKEN", ""),
		Retries:    envInt("GITHUB_RETRIES", 2),
		RetryDelay: time.Millisecond * time.Duration(envInt("GITHUB_RETRY_DELAY_MS", 250)),
	}
	llmCfg := llm.Config{
		OpenAIKey:         env("OPENAI_API_KEY", ""),
		OpenAIModel:       env("OPENAI_MODEL", ""),
		OpenAIEndpoint:    env("OPENAI_ENDPOINT", ""),
		AnthropicKey:      env("ANTHROPIC_API_KEY", ""),
		AnthropicModel:    env("ANTHROPIC_MODEL", ""),
		AnthropicEndpoint: env("ANTHROPIC_ENDPOINT", ""),
	}
	s.newGenerator = func(provider string) (llm.Generator, error) { return llm.NewGenerator(provider, llmCfg) }

	var limiter ratelimit.Limiter
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		quotas := ratelimit.DefaultQuotas()
		if redisClient != nil {
			limiter = ratelimit.NewMirrored(redisClient, quotas)
		} else {
			limiter = ratelimit.NewBucketLimiter(quotas)
		}
	}

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		queue, err := jobs.NewKafkaQueue(jobs.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", jobs.DefaultTopic),
			GroupID: env("KAFKA_GROUP_ID", "feedbacker-workers"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer queue.Close()
		s.Queue = queue
	} else {
		queue := jobs.NewMemQueue(envInt("JOB_QUEUE_CAPACITY", 1024))
		defer queue.Close()
		s.Queue = queue
	}

	gate := auth.NewGatekeeper(authSecret, limiter, auth.UserVerifierFunc(s.verifyActiveUser))
	gate.VerifyTimeout = time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 3000))
	gate.Revoked = s.tokenRevoked

	r := s.router(gate)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("feedbacker listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) router(gate *auth.Gatekeeper) chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("feedbacker"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(gate.Middleware)

	r.Get("/", s.pageHandler("Feedbacker", "Automated feedback to pull requests."))
	r.Get("/about", s.pageHandler("About", "Feedbacker turns free-text feedback into GitHub pull requests."))
	r.Get("/docs", s.pageHandler("Documentation", "See /api/feedback for the submission API."))
	r.Get("/login", s.pageHandler("Login", "POST /api/auth/login with email and password."))
	r.Get("/register", s.pageHandler("Register", "POST /api/auth/register to create an account."))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/readiness", s.handleReadiness)
	r.Get("/api/liveness", s.handleLiveness)
	r.Get("/api/smart-tree/latest", s.handleSmartTreeLatest)
	r.Post("/api/webhook/github", s.handleGithubWebhook)

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/logout", s.handleLogout)
	r.Get("/api/users/me", s.handleMe)
	r.Get("/api/users", s.handleListUsers)
	r.Get("/api/users/{id}", s.handleGetUser)

	r.Post("/api/feedback", s.handleSubmitFeedback)
	r.Get("/api/feedback", s.handleListOwnFeedback)
	r.Get("/api/feedback/all", s.handleListAllFeedback)
	r.Get("/api/feedback/stats/{user_id}", s.handleFeedbackStats)
	r.Get("/api/feedback/{id}", s.handleGetFeedback)
	r.Post("/api/feedback/{id}/retry", s.handleRetryFeedback)

	r.Get("/api/projects", s.handleListProjects)
	r.Post("/api/projects", s.handleCreateProject)
	r.Get("/api/projects/{id}", s.handleGetProject)

	r.Get("/api/admin/stats", s.handleAdminStats)
	r.Get("/api/admin/audit", s.handleAuditLog)
	r.Get("/api/events", s.streamEvents)

	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	return r
}

// verifyActiveUser is the gatekeeper freshness check against the user
// store; the gatekeeper bounds the context deadline.
func (s *Server) verifyActiveUser(ctx context.Context, id string) (models.User, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return models.User{}, fmt.Errorf("malformed user id: %w", err)
	}
	var user models.User
	var role string
	row := s.DB.QueryRow(ctx, `SELECT id, email, name, role, is_active FROM users WHERE id = $1`, uid)
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &role, &user.IsActive); err != nil {
		return models.User{}, err
	}
	parsed, ok := models.ParseRole(role)
	if !ok {
		return models.User{}, fmt.Errorf("unknown role %q", role)
	}
	user.Role = parsed
	return user, nil
}

func (s *Server) tokenRevoked(ctx context.Context, token string) bool {
	if s.Cache == nil {
		return false
	}
	v, err := s.Cache.Get(ctx, revocationKey(token))
	return err == nil && v != ""
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
		switch rec.code {
		case http.StatusTooManyRequests:
			srv.Metrics.IncGateOutcome("rate_limited")
			srv.Metrics.IncRateLimited(string(ratelimit.CategoryForPath(r.URL.Path)))
		case http.StatusUnauthorized:
			srv.Metrics.IncGateOutcome("unauthenticated")
		case http.StatusForbidden:
			srv.Metrics.IncGateOutcome("forbidden")
		default:
			srv.Metrics.IncGateOutcome("allowed")
		}
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Fail(w, http.StatusRequestEntityTooLarge, httpx.CodeValidation, "Request body too large", nil)
		return nil, false
	}
	httpx.Fail(w, http.StatusBadRequest, httpx.CodeValidation, "Invalid request body", nil)
	return nil, false
}

// auditEvent records best-effort; a failed audit write never fails the
// request it describes.
func (s *Server) auditEvent(ctx context.Context, rec audit.Record) {
	if s.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("audit append failed for %s: %v", rec.EventType, err)
	}
}

func revocationKey(token string) string {
	return "revoked:" + token
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
