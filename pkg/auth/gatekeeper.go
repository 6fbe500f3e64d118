package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/aye-is/feedbacker/pkg/httpx"
	"github.com/aye-is/feedbacker/pkg/models"
	"github.com/aye-is/feedbacker/pkg/ratelimit"
)

// UserVerifier answers whether the subject of a token still maps to an
// active account. Implementations must honor the context deadline.
type UserVerifier interface {
	VerifyActive(ctx context.Context, id string) (models.User, error)
}

// UserVerifierFunc adapts a function to the UserVerifier interface.
type UserVerifierFunc func(ctx context.Context, id string) (models.User, error)

func (f UserVerifierFunc) VerifyActive(ctx context.Context, id string) (models.User, error) {
	return f(ctx, id)
}

// Gatekeeper clears every inbound request before it reaches a handler:
// quota first, then credential validation and the path capability
// check for non-public paths.
type Gatekeeper struct {
	Secret        string
	Limiter       ratelimit.Limiter
	Verifier      UserVerifier
	VerifyTimeout time.Duration

	// Revoked reports whether a syntactically valid token has been
	// invalidated before its expiry, e.g. by logout.
	Revoked func(ctx context.Context, token string) bool

	now func() time.Time
}

func NewGatekeeper(secret string, limiter ratelimit.Limiter, verifier UserVerifier) *Gatekeeper {
	return &Gatekeeper{
		Secret:        secret,
		Limiter:       limiter,
		Verifier:      verifier,
		VerifyTimeout: 3 * time.Second,
		now:           time.Now,
	}
}

func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		if g.Limiter != nil {
			category := ratelimit.CategoryForPath(path)
			decision := g.Limiter.Acquire(category, httpx.ClientIP(r))
			if !decision.Allowed {
				writeRateLimited(w, category, decision)
				return
			}
		}

		if IsPublicPath(path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := ExtractToken(r)
		if err != nil {
			httpx.Unauthorized(w, "Authentication token required")
			return
		}

		claims, err := VerifyHS256(token, g.Secret, g.now())
		if err != nil {
			httpx.Unauthorized(w, "Invalid or expired token")
			return
		}

		if g.Revoked != nil && g.Revoked(r.Context(), token) {
			httpx.Unauthorized(w, "Invalid or expired token")
			return
		}

		caller, err := g.resolveCaller(r.Context(), claims)
		if err != nil {
			log.Printf("caller verification failed for path %s: %v", path, err)
			httpx.Unauthorized(w, "Invalid user or account disabled")
			return
		}

		if capability, required := RequiredCapability(path); required {
			if !Authorize(caller.Role, capability) {
				httpx.Forbidden(w, "Insufficient permissions")
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// resolveCaller runs the freshness check against the user store. Any
// store error, timeout, missing user, or inactive account surfaces as
// an authentication failure.
func (g *Gatekeeper) resolveCaller(ctx context.Context, claims Claims) (Caller, error) {
	role, ok := models.ParseRole(claims.Role)
	if !ok {
		return Caller{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	caller := Caller{
		ID:     claims.Sub,
		Email:  claims.Email,
		Name:   claims.Name,
		Role:   role,
		Claims: claims,
	}
	if g.Verifier == nil {
		return caller, nil
	}
	timeout := g.VerifyTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	user, err := g.Verifier.VerifyActive(vctx, claims.Sub)
	if err != nil {
		return Caller{}, err
	}
	if !user.IsActive {
		return Caller{}, errors.New("account disabled")
	}
	caller.Email = user.Email
	caller.Name = user.Name
	caller.Role = user.Role
	return caller, nil
}

func writeRateLimited(w http.ResponseWriter, category ratelimit.Category, decision ratelimit.Decision) {
	retryAfter := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	h.Set("Retry-After", strconv.Itoa(retryAfter))
	httpx.Fail(w, http.StatusTooManyRequests, httpx.CodeRateLimited, "Rate limit exceeded", map[string]interface{}{
		"limit_type":          string(category),
		"retry_after_seconds": retryAfter,
	})
}
