// Package migrate applies the embedded identity schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
)

const defaultMigrationsTable = "goose_db_version"

//go:embed sql/*.sql
var migrations embed.FS

// goose keeps its configuration in package state.
var gooseMu sync.Mutex

// Manager executes the embedded SQL migrations.
type Manager struct {
	db              *sql.DB
	migrationsTable string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{db: db, migrationsTable: defaultMigrationsTable}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Files lists the embedded migration file names in apply order.
func Files() ([]string, error) {
	entries, err := fs.ReadDir(migrations, "sql")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out, nil
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	return m.run(func() error { return goose.UpContext(ctx, m.db, "sql") })
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.run(func() error { return goose.DownContext(ctx, m.db, "sql") })
}

// Status returns one line per embedded migration with its applied state.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	var out []string
	err := m.run(func() error {
		current, err := goose.GetDBVersionContext(ctx, m.db)
		if err != nil {
			return err
		}
		migs, err := goose.CollectMigrations("sql", 0, goose.MaxVersion)
		if err != nil {
			return err
		}
		for _, mig := range migs {
			state := "pending"
			if mig.Version <= current {
				state = "applied"
			}
			out = append(out, fmt.Sprintf("%05d %s %s", mig.Version, state, mig.Source))
		}
		return nil
	})
	return out, err
}

// Version reports the highest applied migration.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	var v int64
	err := m.run(func() error {
		var err error
		v, err = goose.GetDBVersionContext(ctx, m.db)
		return err
	})
	return v, err
}

func (m *Manager) run(fn func() error) error {
	if m.db == nil {
		return errors.New("migrate: database connection unavailable")
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	goose.SetTableName(m.migrationsTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return fn()
}
