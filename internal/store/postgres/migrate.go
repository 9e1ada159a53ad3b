package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/uptrace/bun"
)

const (
	gooseUpMarker   = "-- +goose Up"
	gooseDownMarker = "-- +goose Down"
)

type Migration struct {
	Version    string
	Statements []string
}

type rawExecutor interface {
	NewRaw(query string, args ...any) *bun.RawQuery
}

// LoadMigrations reads every *.sql file of fsys in name order and keeps the
// statements of its goose Up section.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		up, err := extractGooseUp(string(b))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, Migration{
			Version:    strings.TrimSuffix(name, ".sql"),
			Statements: splitSQLStatements(up),
		})
	}
	return out, nil
}

// ApplyMigrations runs the migrations unconditionally through exec.
func ApplyMigrations(ctx context.Context, exec rawExecutor, migs []Migration) error {
	for _, m := range migs {
		for _, stmt := range m.Statements {
			if _, err := exec.NewRaw(stmt).Exec(ctx); err != nil {
				return fmt.Errorf("migration %s: %w", m.Version, err)
			}
		}
	}
	return nil
}

// Migrate applies the migrations not yet recorded in schema_migrations, each
// in its own transaction.
func Migrate(ctx context.Context, db *bun.DB, fsys fs.FS) ([]string, error) {
	migs, err := LoadMigrations(fsys)
	if err != nil {
		return nil, err
	}
	if _, err := db.NewRaw(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version text PRIMARY KEY,
		applied_at timestamptz NOT NULL DEFAULT now()
	)`).Exec(ctx); err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range migs {
		done := false
		err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", "schema_migrations").Exec(ctx); err != nil {
				return err
			}
			exists, err := tx.NewSelect().
				TableExpr("schema_migrations").
				Where("version = ?", m.Version).
				Exists(ctx)
			if err != nil {
				return err
			}
			if exists {
				done = true
				return nil
			}
			if err := ApplyMigrations(ctx, tx, []Migration{m}); err != nil {
				return err
			}
			_, err = tx.NewRaw("INSERT INTO schema_migrations (version) VALUES (?)", m.Version).Exec(ctx)
			return err
		})
		if err != nil {
			return applied, err
		}
		if !done {
			applied = append(applied, m.Version)
		}
	}
	return applied, nil
}

func extractGooseUp(sql string) (string, error) {
	upIdx := strings.Index(sql, gooseUpMarker)
	if upIdx < 0 {
		return "", fmt.Errorf("missing goose up marker")
	}
	afterUp := strings.TrimLeft(sql[upIdx+len(gooseUpMarker):], "\r\n")

	downIdx := strings.Index(afterUp, gooseDownMarker)
	if downIdx < 0 {
		return strings.TrimSpace(afterUp), nil
	}
	return strings.TrimSpace(afterUp[:downIdx]), nil
}

func splitSQLStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
