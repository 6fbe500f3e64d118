package store

import (
	"strings"
	"testing"
)

func TestDefaultPostgresURLDefaults(t *testing.T) {
	t.Setenv("DATABASE_USER", "")
	t.Setenv("POSTGRES_PASSWORD", "")
	t.Setenv("DATABASE_HOST", "")
	t.Setenv("DATABASE_PORT", "")
	t.Setenv("DATABASE_NAME", "")
	t.Setenv("DATABASE_SSLMODE", "")

	dsn := defaultPostgresURL()
	if dsn != "postgres://feedbacker@localhost:5432/feedbacker?sslmode=disable" {
		t.Fatalf("dsn = %q", dsn)
	}
}

func TestDefaultPostgresURLOverrides(t *testing.T) {
	t.Setenv("DATABASE_USER", "svc")
	t.Setenv("POSTGRES_PASSWORD", "s3cret")
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("DATABASE_PORT", "6543")
	t.Setenv("DATABASE_NAME", "feedbacker_prod")
	t.Setenv("DATABASE_SSLMODE", "require")

	dsn := defaultPostgresURL()
	if !strings.Contains(dsn, "svc:s3cret@db.internal:6543/feedbacker_prod") {
		t.Fatalf("dsn = %q", dsn)
	}
	if !strings.Contains(dsn, "sslmode=require") {
		t.Fatalf("dsn = %q", dsn)
	}
}

func TestDefaultPostgresURLBadPortFallsBack(t *testing.T) {
	t.Setenv("DATABASE_PORT", "not-a-port")
	dsn := defaultPostgresURL()
	if !strings.Contains(dsn, ":5432/") {
		t.Fatalf("dsn = %q", dsn)
	}
}

func TestValidatePostgresTLS(t *testing.T) {
	cases := []struct {
		dsn    string
		wantOK bool
	}{
		{"postgres://u@h:5432/db?sslmode=require", true},
		{"postgres://u@h:5432/db?sslmode=verify-full", true},
		{"postgres://u@h:5432/db?sslmode=verify-ca", true},
		{"postgres://u@h:5432/db?sslmode=disable", false},
		{"postgres://u@h:5432/db?sslmode=prefer", false},
		{"postgres://u@h:5432/db", false},
	}
	for _, tc := range cases {
		err := validatePostgresTLS(tc.dsn)
		if tc.wantOK && err != nil {
			t.Errorf("validatePostgresTLS(%q) = %v, want nil", tc.dsn, err)
		}
		if !tc.wantOK && err == nil {
			t.Errorf("validatePostgresTLS(%q) = nil, want error", tc.dsn)
		}
	}
}

func TestRequiresSecureTransport(t *testing.T) {
	for _, v := range []string{"1", "true", "yes", "on", "TRUE"} {
		t.Setenv("DATABASE_REQUIRE_TLS", v)
		if !requiresSecureTransport("DATABASE_REQUIRE_TLS") {
			t.Errorf("value %q should require TLS", v)
		}
	}
	for _, v := range []string{"", "0", "false", "off"} {
		t.Setenv("DATABASE_REQUIRE_TLS", v)
		if requiresSecureTransport("DATABASE_REQUIRE_TLS") {
			t.Errorf("value %q should not require TLS", v)
		}
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("DATABASE_MAX_CONNS", "")
	if got := envInt("DATABASE_MAX_CONNS", 10); got != 10 {
		t.Fatalf("default = %d", got)
	}
	t.Setenv("DATABASE_MAX_CONNS", "25")
	if got := envInt("DATABASE_MAX_CONNS", 10); got != 25 {
		t.Fatalf("parsed = %d", got)
	}
	t.Setenv("DATABASE_MAX_CONNS", "-3")
	if got := envInt("DATABASE_MAX_CONNS", 10); got != 10 {
		t.Fatalf("negative = %d", got)
	}
}
