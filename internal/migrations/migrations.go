// Package migrations embeds each service's schema and applies it with
// goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed users/*.sql inventory/*.sql rental/*.sql carstatus/*.sql
var fsys embed.FS

// Schema names a service's migration set.
type Schema string

const (
	Users     Schema = "users"
	Inventory Schema = "inventory"
	Rental    Schema = "rental"
	CarStatus Schema = "carstatus"
)

// goose keeps its settings in package globals.
var mu sync.Mutex

// Up applies every pending migration of schema. Each schema tracks its
// version in its own table so services may share a database in
// development.
func Up(ctx context.Context, db *sql.DB, schema Schema) error {
	mu.Lock()
	defer mu.Unlock()

	goose.SetBaseFS(fsys)
	goose.SetTableName("goose_version_" + string(schema))
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, string(schema)); err != nil {
		return fmt.Errorf("migrate %s: %w", schema, err)
	}
	return nil
}

// Files lists the embedded migrations of schema.
func Files(schema Schema) ([]string, error) {
	entries, err := fsys.ReadDir(string(schema))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
