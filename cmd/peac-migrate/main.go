package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/peacprotocol/peac-sub013/migrations"
	"github.com/peacprotocol/peac-sub013/pkg/config"
	"github.com/peacprotocol/peac-sub013/pkg/store"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf    = log.Fatalf
	loadConfigFn = config.Load
	openDBFn     = func(ctx context.Context, cfg config.Postgres) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, cfg)
	}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		logFatalf("peac-migrate: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	fset := flag.NewFlagSet("peac-migrate", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	dir := fset.String("dir", "", "migrations directory, defaults to the embedded schema")
	status := fset.Bool("status", false, "list pending migrations without applying them")
	timeout := fset.Duration("timeout", 30*time.Second, "overall timeout")
	if err := fset.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	var src fs.FS = migrations.FS
	if *dir != "" {
		src = os.DirFS(*dir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	pool, err := openDBFn(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	logf := func(format string, args ...any) { fmt.Fprintf(out, format+"\n", args...) }
	if *status {
		pending, err := pendingMigrations(ctx, pool, src)
		if err != nil {
			return err
		}
		for _, name := range pending {
			logf("pending %s", name)
		}
		logf("%d pending", len(pending))
		return nil
	}
	return runMigrations(ctx, pool, src, logf)
}

func ensureTable(ctx context.Context, db migrationDB) error {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// migrationFiles lists the top-level .sql files of src in lexical order.
func migrationFiles(src fs.FS) ([]string, error) {
	files, err := fs.Glob(src, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	for _, f := range files {
		if !fs.ValidPath(f) || path.Dir(f) != "." {
			return nil, fmt.Errorf("invalid migration path: %s", f)
		}
	}
	sort.Strings(files)
	return files, nil
}

func applied(ctx context.Context, db migrationDB, name string) (bool, error) {
	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("migration lookup: %w", err)
	}
	return exists, nil
}

func pendingMigrations(ctx context.Context, db migrationDB, src fs.FS) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	if err := ensureTable(ctx, db); err != nil {
		return nil, err
	}
	files, err := migrationFiles(src)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		done, err := applied(ctx, db, f)
		if err != nil {
			return nil, err
		}
		if !done {
			out = append(out, f)
		}
	}
	return out, nil
}

// runMigrations applies each pending file in its own transaction, recording
// it in schema_migrations in the same transaction.
func runMigrations(ctx context.Context, db migrationDB, src fs.FS, logf func(format string, args ...any)) error {
	if logf == nil {
		logf = log.Printf
	}
	pending, err := pendingMigrations(ctx, db, src)
	if err != nil {
		return err
	}
	for _, name := range pending {
		sqlBytes, err := fs.ReadFile(src, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("mark migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		logf("applied migration %s", name)
	}
	logf("migrations applied: %d", len(pending))
	return nil
}
