package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMigratorDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginFn    func(ctx context.Context) (pgx.Tx, error)
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeMigratorRow{applied: false}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeMigratorTx{}, nil
}

func (f *fakeMigratorDB) Close() {}

type fakeMigratorRow struct {
	applied bool
	err     error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return errors.New("scan arity mismatch")
	}
	b, ok := dest[0].(*bool)
	if !ok {
		return errors.New("expected *bool destination")
	}
	*b = r.applied
	return nil
}

type fakeMigratorTx struct {
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	commitErr     error
	rollbackCalls int
}

func (t *fakeMigratorTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeMigratorTx) Commit(ctx context.Context) error          { return t.commitErr }
func (t *fakeMigratorTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}
func (t *fakeMigratorTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeMigratorTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeMigratorTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeMigratorTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeMigratorTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeMigratorRow{err: errors.New("not implemented")}
}
func (t *fakeMigratorTx) Conn() *pgx.Conn { return nil }

func TestValidateMigrationPath(t *testing.T) {
	t.Parallel()

	clean, err := validateMigrationPath("migrations", "migrations/001_users.sql")
	if err != nil {
		t.Fatalf("expected valid migration path, got error: %v", err)
	}
	if clean != filepath.Clean("migrations/001_users.sql") {
		t.Fatalf("unexpected clean path: %s", clean)
	}

	if _, err := validateMigrationPath("migrations", "../outside.sql"); err == nil {
		t.Fatal("expected rejection for outside migration path")
	}
	if _, err := validateMigrationPath("migrations", "other/001_users.sql"); err == nil {
		t.Fatal("expected rejection for different directory")
	}
}

func TestRunMigrationsAppliesInOrderAndSkipsApplied(t *testing.T) {
	tx := &fakeMigratorTx{}
	db := &fakeMigratorDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeMigratorRow{applied: args[0].(string) == "001_users.sql"}
		},
	}

	var reads []string
	readFile := func(name string) ([]byte, error) {
		reads = append(reads, filepath.Base(name))
		return []byte("SELECT 1;"), nil
	}
	glob := func(pattern string) ([]string, error) {
		return []string{"migrations/002_feedback.sql", "migrations/001_users.sql"}, nil
	}
	var logs []string
	logf := func(format string, args ...any) { logs = append(logs, format) }

	if err := runMigrations(context.Background(), db, "migrations", readFile, glob, logf); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if len(reads) != 1 || reads[0] != "002_feedback.sql" {
		t.Fatalf("reads = %v, want only the unapplied file", reads)
	}
	if tx.rollbackCalls != 0 {
		t.Fatalf("unexpected rollbacks: %d", tx.rollbackCalls)
	}
	if len(logs) != 2 {
		t.Fatalf("logs = %v, want applied + summary", logs)
	}
}

func TestRunMigrationsErrorBranches(t *testing.T) {
	globOne := func(pattern string) ([]string, error) { return []string{"migrations/001_users.sql"}, nil }
	readOK := func(name string) ([]byte, error) { return []byte("SELECT 1;"), nil }

	cases := []struct {
		name    string
		db      *fakeMigratorDB
		read    func(string) ([]byte, error)
		glob    func(string) ([]string, error)
		wantErr string
	}{
		{
			name:    "nil db",
			wantErr: "db required",
		},
		{
			name: "create table failure",
			db: &fakeMigratorDB{execFn: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("boom")
			}},
			wantErr: "create schema_migrations",
		},
		{
			name:    "glob failure",
			db:      &fakeMigratorDB{},
			glob:    func(pattern string) ([]string, error) { return nil, errors.New("boom") },
			wantErr: "glob migrations",
		},
		{
			name:    "escaping path",
			db:      &fakeMigratorDB{},
			glob:    func(pattern string) ([]string, error) { return []string{"../evil.sql"}, nil },
			wantErr: "invalid migration path",
		},
		{
			name: "lookup failure",
			db: &fakeMigratorDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return fakeMigratorRow{err: errors.New("boom")}
			}},
			glob:    globOne,
			wantErr: "migration lookup",
		},
		{
			name:    "read failure",
			db:      &fakeMigratorDB{},
			glob:    globOne,
			read:    func(name string) ([]byte, error) { return nil, errors.New("boom") },
			wantErr: "read migration",
		},
		{
			name: "begin failure",
			db: &fakeMigratorDB{beginFn: func(ctx context.Context) (pgx.Tx, error) {
				return nil, errors.New("boom")
			}},
			glob:    globOne,
			read:    readOK,
			wantErr: "begin migration tx",
		},
		{
			name: "commit failure",
			db: &fakeMigratorDB{beginFn: func(ctx context.Context) (pgx.Tx, error) {
				return &fakeMigratorTx{commitErr: errors.New("boom")}, nil
			}},
			glob:    globOne,
			read:    readOK,
			wantErr: "commit migration",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var db migrationDB
			if tc.db != nil {
				db = tc.db
			}
			err := runMigrations(context.Background(), db, "migrations", tc.read, tc.glob, nil)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestRunMigrationsRollsBackOnApplyFailure(t *testing.T) {
	tx := &fakeMigratorTx{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("syntax error")
		},
	}
	db := &fakeMigratorDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
	}
	glob := func(pattern string) ([]string, error) { return []string{"migrations/001_users.sql"}, nil }
	read := func(name string) ([]byte, error) { return []byte("CREATE TABL users;"), nil }

	err := runMigrations(context.Background(), db, "migrations", read, glob, nil)
	if err == nil || !strings.Contains(err.Error(), "apply migration") {
		t.Fatalf("err = %v", err)
	}
	if tx.rollbackCalls != 1 {
		t.Fatalf("rollbacks = %d, want 1", tx.rollbackCalls)
	}
}

func TestRunMigrationsRollsBackOnMarkFailure(t *testing.T) {
	execCalls := 0
	tx := &fakeMigratorTx{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			execCalls++
			if execCalls == 2 {
				return pgconn.CommandTag{}, errors.New("boom")
			}
			return pgconn.NewCommandTag("EXEC 1"), nil
		},
	}
	db := &fakeMigratorDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
	}
	glob := func(pattern string) ([]string, error) { return []string{"migrations/001_users.sql"}, nil }
	read := func(name string) ([]byte, error) { return []byte("SELECT 1;"), nil }

	err := runMigrations(context.Background(), db, "migrations", read, glob, nil)
	if err == nil || !strings.Contains(err.Error(), "mark migration") {
		t.Fatalf("err = %v", err)
	}
	if tx.rollbackCalls != 1 {
		t.Fatalf("rollbacks = %d, want 1", tx.rollbackCalls)
	}
}

func TestMainOverridesFatal(t *testing.T) {
	origFatal := logFatalf
	origOpen := openDBFn
	defer func() {
		logFatalf = origFatal
		openDBFn = origOpen
	}()

	t.Run("db error", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			return nil, errors.New("connection refused")
		}
		main()
		if !fatalCalled {
			t.Fatal("expected fatal on db failure")
		}
	})

	t.Run("success", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			return &fakeMigratorDB{}, nil
		}
		main()
		if fatalCalled {
			t.Fatal("unexpected fatal on success")
		}
	})
}
