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

// Package migration evolves the physical schema and serialized documents.
//
// Schema changes are applied at store initialization by diffing the
// configured designs against the physical schema. Document transforms are
// applied lazily at read time; a row is rewritten only on its next
// successful write.
package migration

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/papyrusdb/papyrus/internal/backup"
	"github.com/papyrusdb/papyrus/internal/design"
	"github.com/papyrusdb/papyrus/internal/storeerrors"
	"github.com/papyrusdb/papyrus/internal/util/fsql"
	"github.com/papyrusdb/papyrus/internal/util/lazyerrors"
	"github.com/papyrusdb/papyrus/internal/util/observability"
)

// Transform rewrites a serialized document payload.
type Transform func(payload []byte) ([]byte, error)

// DocumentStep is one versioned payload transform scoped to a design.
type DocumentStep struct {
	Version   int
	Transform Transform
}

// Engine maintains document migration steps for all designs.
//
// An Engine is immutable after store construction and safe for
// concurrent use by many sessions.
type Engine struct {
	l     *zap.Logger
	steps map[string][]DocumentStep // table -> steps in ascending version order
}

// NewEngine creates an empty Engine.
func NewEngine(l *zap.Logger) *Engine {
	return &Engine{
		l:     l.Named("migration"),
		steps: map[string][]DocumentStep{},
	}
}

// AddDocumentStep registers a payload transform for the design.
//
// Versions must be positive and unique per design.
func (e *Engine) AddDocumentStep(d *design.Design, version int, transform Transform) {
	if version <= 0 {
		panic(fmt.Sprintf("document migration version must be positive, got %d", version))
	}

	steps := e.steps[d.Table()]

	for _, s := range steps {
		if s.Version == version {
			panic(fmt.Sprintf("duplicate document migration version %d for table %q", version, d.Table()))
		}
	}

	steps = append(steps, DocumentStep{Version: version, Transform: transform})
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })

	e.steps[d.Table()] = steps
}

// MaxVersion returns the highest registered document version for the design,
// or 0 if none are registered.
func (e *Engine) MaxVersion(d *design.Design) int {
	steps := e.steps[d.Table()]
	if len(steps) == 0 {
		return 0
	}

	return steps[len(steps)-1].Version
}

// MigrateDocument brings a payload stored at fromVersion up to the
// current maximum version, applying pending steps in ascending order.
//
// The returned version is the version the payload now reflects;
// it equals fromVersion if no steps were pending.
func (e *Engine) MigrateDocument(d *design.Design, payload []byte, fromVersion int) ([]byte, int, error) {
	version := fromVersion

	for _, s := range e.steps[d.Table()] {
		if s.Version <= fromVersion {
			continue
		}

		var err error
		if payload, err = s.Transform(payload); err != nil {
			return nil, 0, storeerrors.NewErrorf(
				storeerrors.ErrorCodeMigrationFailed,
				"document migration of %q to version %d: %v", d.Table(), s.Version, err,
			)
		}

		version = s.Version
	}

	return payload, version, nil
}

// ApplyParams are parameters of Engine.ApplySchema.
type ApplyParams struct {
	DB        *fsql.DB
	Inspector Inspector
	Registry  *design.Registry
	Mode      design.TableMode

	// ApplyUnsafe opts in to destructive schema commands.
	ApplyUnsafe bool

	// Backup, if not nil, receives pre-migration payloads during reprojection.
	Backup backup.Writer
}

// ApplySchema converges the physical schema to the configured designs.
//
// Safe commands are applied automatically, each in its own transactional
// scope; unsafe commands are skipped with a warning unless opted in.
// A failing command aborts initialization.
func (e *Engine) ApplySchema(ctx context.Context, params *ApplyParams) error {
	defer observability.FuncCall(ctx)()

	physical, err := params.Inspector.QuerySchema(ctx)
	if err != nil {
		return lazyerrors.Error(err)
	}

	commands := PlanSchema(params.Registry, params.Mode, physical)

	reproject := map[string]bool{}

	for _, cmd := range commands {
		if cmd.Unsafe && !params.ApplyUnsafe {
			e.l.Warn("skipping unsafe schema command", zap.String("ddl", cmd.DDL))
			continue
		}

		e.l.Info("applying schema command", zap.String("ddl", cmd.DDL), zap.Bool("unsafe", cmd.Unsafe))

		if err := params.Inspector.ExecuteDDL(ctx, cmd.DDL); err != nil {
			return storeerrors.NewErrorf(
				storeerrors.ErrorCodeMigrationFailed,
				"schema command %q: %v", cmd.DDL, err,
			)
		}

		if cmd.RequiresReprojectionOf != "" {
			reproject[cmd.RequiresReprojectionOf] = true
		}
	}

	for table := range reproject {
		d := params.Registry.ByTable(table)

		if err := e.reprojectTable(ctx, params, d); err != nil {
			return lazyerrors.Error(err)
		}
	}

	return nil
}

// reprojectTable recomputes projected columns and document payloads for all
// existing rows of one table, in a single transaction.
//
// Row etags are preserved: reprojection is not a logical write.
func (e *Engine) reprojectTable(ctx context.Context, params *ApplyParams, d *design.Design) error {
	table := params.Mode.Resolve(d.Table())

	e.l.Info("reprojecting table", zap.String("table", table))

	return params.DB.InTransaction(ctx, func(tx *fsql.Tx) error {
		q := fmt.Sprintf(
			"SELECT %q, %q, %q, %q FROM %q",
			design.IDColumn, design.TypeColumn, design.DocumentColumn, design.VersionColumn, table,
		)

		rows, err := tx.QueryContext(ctx, q)
		if err != nil {
			return lazyerrors.Error(err)
		}

		type pending struct {
			id       string
			disc     string
			payload  []byte
			original []byte
			from     int
			version  int
		}

		var updates []*pending

		for rows.Next() {
			var p pending
			if err = rows.Scan(&p.id, &p.disc, &p.payload, &p.from); err != nil {
				rows.Close()
				return lazyerrors.Error(err)
			}

			p.original = p.payload

			if p.payload, p.version, err = e.MigrateDocument(d, p.payload, p.from); err != nil {
				rows.Close()
				return lazyerrors.Error(err)
			}

			updates = append(updates, &p)
		}

		if err = rows.Err(); err != nil {
			rows.Close()
			return lazyerrors.Error(err)
		}

		rows.Close()

		set := fmt.Sprintf("%q = ?, %q = ?", design.DocumentColumn, design.VersionColumn)
		for _, pr := range d.Projections() {
			set += fmt.Sprintf(", %q = ?", pr.Name)
		}

		updateQ := fmt.Sprintf("UPDATE %q SET %s WHERE %q = ?", table, set, design.IDColumn)

		for _, p := range updates {
			if params.Backup != nil && p.version > p.from {
				if err = params.Backup.Write(backup.Key(d.Table(), p.id, p.from), p.original); err != nil {
					return lazyerrors.Error(err)
				}
			}

			entity, err := d.Decode(p.disc, p.payload)
			if err != nil {
				return lazyerrors.Error(err)
			}

			projected, err := d.ProjectedValues(entity)
			if err != nil {
				return storeerrors.NewErrorf(storeerrors.ErrorCodeProjectionFailed, "%v", err)
			}

			args := append([]any{p.payload, p.version}, projected...)
			args = append(args, p.id)

			if _, err = tx.ExecContext(ctx, updateQ, args...); err != nil {
				return lazyerrors.Error(err)
			}
		}

		return nil
	})
}
