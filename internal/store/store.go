// Copyright 2024 Papyrus Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store provides the top-level document store facade.
//
// It owns the SQLite connection pool, applies schema migrations on
// startup and creates sessions.
package store

import (
	"context"
	"database/sql"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // register database/sql driver

	"github.com/papyrusdb/papyrus/internal/backup"
	"github.com/papyrusdb/papyrus/internal/design"
	"github.com/papyrusdb/papyrus/internal/executor"
	"github.com/papyrusdb/papyrus/internal/migration"
	"github.com/papyrusdb/papyrus/internal/session"
	"github.com/papyrusdb/papyrus/internal/util/fsql"
	"github.com/papyrusdb/papyrus/internal/util/lazyerrors"
	"github.com/papyrusdb/papyrus/internal/util/observability"
	"github.com/papyrusdb/papyrus/internal/util/resource"
	"github.com/papyrusdb/papyrus/internal/util/state"
)

// Config describes one store.
//
//nolint:vet // for readability
type Config struct {
	// Path is the SQLite database file path.
	Path string

	Logger   *zap.Logger
	Registry *design.Registry

	// Engine provides document migration steps; nil means no steps.
	Engine *migration.Engine

	// Mode selects the physical table naming scheme.
	Mode design.TableMode

	// MaxParams caps the number of SQL parameters per flushed batch;
	// 0 uses the executor default.
	MaxParams int

	// Compiler translates query predicates; nil accepts raw fragments.
	Compiler executor.PredicateCompiler

	// BackupDir stores pre-migration document payloads.
	// Empty defaults to a directory next to the database file;
	// DisableBackup turns backups off entirely.
	BackupDir     string
	DisableBackup bool

	// ApplyUnsafe opts in to destructive schema commands on startup.
	ApplyUnsafe bool

	// StateProvider, if not nil, records the backend name and version.
	StateProvider *state.Provider
}

// Store is a document store over one SQLite database.
type Store struct {
	config *Config
	l      *zap.Logger

	db     *fsql.DB
	exec   *executor.Executor
	engine *migration.Engine
	backup backup.Writer

	token *resource.Token
}

// New opens the database, applies schema migrations and returns a
// ready-to-use store.
func New(ctx context.Context, config *Config) (*Store, error) {
	defer observability.FuncCall(ctx)()

	if config.Path == "" {
		return nil, lazyerrors.New("database path is required")
	}

	if config.Registry == nil {
		return nil, lazyerrors.New("design registry is required")
	}

	l := config.Logger.Named("store")

	engine := config.Engine
	if engine == nil {
		engine = migration.NewEngine(config.Logger)
	}

	sqlDB, err := sql.Open("sqlite", dsn(config.Path))
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	if err = sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, lazyerrors.Error(err)
	}

	db := fsql.WrapDB(sqlDB, filepath.Base(config.Path), config.Logger)

	s := &Store{
		config: config,
		l:      l,
		db:     db,
		exec:   executor.New(db, config.MaxParams, config.Logger),
		engine: engine,
		token:  resource.NewToken(),
	}

	if !config.DisableBackup {
		dir := config.BackupDir
		if dir == "" {
			dir = config.Path + ".backup"
		}

		s.backup = backup.NewFileWriter(dir)
	}

	if err = engine.ApplySchema(ctx, &migration.ApplyParams{
		DB:          db,
		Inspector:   migration.NewSQLiteInspector(db),
		Registry:    config.Registry,
		Mode:        config.Mode,
		ApplyUnsafe: config.ApplyUnsafe,
		Backup:      s.backup,
	}); err != nil {
		_ = db.Close()
		return nil, lazyerrors.Error(err)
	}

	if err = s.recordState(ctx); err != nil {
		_ = db.Close()
		return nil, lazyerrors.Error(err)
	}

	resource.Track(s, s.token)

	l.Info("Store opened", zap.String("path", config.Path), zap.Stringer("mode", config.Mode))

	return s, nil
}

// dsn builds the SQLite connection string.
//
// WAL keeps readers unblocked during SaveChanges flushes;
// the busy timeout covers short writer contention.
func dsn(path string) string {
	values := url.Values{}
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "busy_timeout(10000)")

	return "file:" + filepath.ToSlash(path) + "?" + values.Encode()
}

// recordState stores the backend name and version in the state file.
func (s *Store) recordState(ctx context.Context) error {
	if s.config.StateProvider == nil {
		return nil
	}

	var version string
	if err := s.db.QueryRowContext(ctx, `SELECT sqlite_version()`).Scan(&version); err != nil {
		return lazyerrors.Error(err)
	}

	err := s.config.StateProvider.Update(func(st *state.State) {
		st.BackendName = "SQLite"
		st.BackendVersion = strings.TrimSpace(version)
	})
	if err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// SessionOption configures one session.
type SessionOption func(*session.Params)

// WithLastWriteWins makes all writes of the session match rows by id
// only, ignoring stored etags.
func WithLastWriteWins() SessionOption {
	return func(p *session.Params) {
		p.LastWriteWins = true
	}
}

// NewSession opens a new unit of work.
func (s *Store) NewSession(opts ...SessionOption) *session.Session {
	compiler := s.config.Compiler
	if compiler == nil {
		compiler = executor.RawPredicateCompiler{}
	}

	p := &session.Params{
		Logger:   s.config.Logger,
		Executor: s.exec,
		Registry: s.config.Registry,
		Engine:   s.engine,
		Compiler: compiler,
		Mode:     s.config.Mode,
		Backup:   s.backup,
	}

	for _, opt := range opts {
		opt(p)
	}

	return session.New(p)
}

// DB returns the underlying connection pool.
func (s *Store) DB() *fsql.DB {
	return s.db
}

// Executor returns the write executor.
func (s *Store) Executor() *executor.Executor {
	return s.exec
}

// Schema returns the physical schema: existing tables and their columns.
func (s *Store) Schema(ctx context.Context) (map[string][]string, error) {
	physical, err := migration.NewSQLiteInspector(s.db).QuerySchema(ctx)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return physical, nil
}

// PlanSchema returns the schema commands that would reconcile the
// physical schema with the registered designs.
func (s *Store) PlanSchema(ctx context.Context) ([]migration.SchemaCommand, error) {
	physical, err := migration.NewSQLiteInspector(s.db).QuerySchema(ctx)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return migration.PlanSchema(s.config.Registry, s.config.Mode, physical), nil
}

// Close closes the database.
func (s *Store) Close() error {
	resource.Untrack(s, s.token)

	if err := s.db.Close(); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// Describe implements prometheus.Collector.
func (s *Store) Describe(ch chan<- *prometheus.Desc) {
	s.db.Describe(ch)
	s.exec.Describe(ch)
}

// Collect implements prometheus.Collector.
func (s *Store) Collect(ch chan<- prometheus.Metric) {
	s.db.Collect(ch)
	s.exec.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*Store)(nil)
)
