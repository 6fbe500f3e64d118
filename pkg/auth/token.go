package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aye-is/feedbacker/pkg/models"
)

// Issuer is stamped into every token and checked on validation.
const Issuer = "feedbacker"

var (
	// ErrNoCredential means neither credential header was supplied.
	ErrNoCredential = errors.New("no credential supplied")
	// ErrInvalidToken covers every validation failure. Callers never
	// learn whether the signature, issuer, or expiry was at fault.
	ErrInvalidToken = errors.New("invalid token")
)

type Claims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Exp   int64  `json:"exp"`
	Iat   int64  `json:"iat"`
	Iss   string `json:"iss"`
}

// NewClaims builds a claim set for a user with the given lifetime.
func NewClaims(user models.User, now time.Time, ttl time.Duration) Claims {
	return Claims{
		Sub:   user.ID.String(),
		Email: user.Email,
		Name:  user.Name,
		Role:  string(user.Role),
		Exp:   now.Add(ttl).Unix(),
		Iat:   now.Unix(),
		Iss:   Issuer,
	}
}

// SignHS256 produces a compact JWS over the claims.
func SignHS256(claims Claims, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadRaw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadRaw)
	signing := header + "." + payload
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signing + "." + sig, nil
}

// VerifyHS256 decodes and validates a token: signature, issuer, and
// expiry (strictly in the future). Not-before is deliberately not
// checked. Every failure collapses to ErrInvalidToken.
func VerifyHS256(token, secret string, now time.Time) (Claims, error) {
	if secret == "" {
		return Claims{}, ErrInvalidToken
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrInvalidToken
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return Claims{}, ErrInvalidToken
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" {
		return Claims{}, ErrInvalidToken
	}
	if claims.Iss != Issuer {
		return Claims{}, ErrInvalidToken
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return Claims{}, ErrInvalidToken
	}
	if _, ok := models.ParseRole(claims.Role); !ok {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// ExtractToken pulls the credential from the request. The Authorization
// bearer header wins over the X-API-Key fallback. Absence of both is
// reported as ErrNoCredential, distinct from an invalid credential.
func ExtractToken(r *http.Request) (string, error) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			if token := strings.TrimSpace(header[len("Bearer "):]); token != "" {
				return token, nil
			}
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, nil
	}
	return "", ErrNoCredential
}
