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

package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/papyrusdb/papyrus/internal/design"
	"github.com/papyrusdb/papyrus/internal/util/fsql"
	"github.com/papyrusdb/papyrus/internal/util/lazyerrors"
)

// SchemaCommand is one physical schema change.
type SchemaCommand struct {
	DDL string

	// Unsafe marks destructive commands (e.g. column removal) that are
	// applied only with explicit operator opt-in.
	Unsafe bool

	// RequiresReprojectionOf names a table whose existing rows' projected
	// columns become stale once this command is applied.
	RequiresReprojectionOf string
}

// Inspector provides access to the physical schema.
type Inspector interface {
	// QuerySchema returns a mapping of physical table names to column names.
	QuerySchema(ctx context.Context) (map[string][]string, error)

	// ExecuteDDL executes one schema-change statement.
	ExecuteDDL(ctx context.Context, stmt string) error
}

// sqliteInspector implements Inspector on a SQLite connection.
type sqliteInspector struct {
	db *fsql.DB
}

// NewSQLiteInspector creates an Inspector for the given connection.
func NewSQLiteInspector(db *fsql.DB) Inspector {
	return &sqliteInspector{db: db}
}

// QuerySchema implements Inspector.
func (i *sqliteInspector) QuerySchema(ctx context.Context) (map[string][]string, error) {
	q := `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`

	rows, err := i.db.QueryContext(ctx, q)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}
	defer rows.Close()

	var tables []string

	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, lazyerrors.Error(err)
		}

		tables = append(tables, name)
	}

	if err = rows.Err(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	res := make(map[string][]string, len(tables))

	for _, table := range tables {
		cols, err := i.tableColumns(ctx, table)
		if err != nil {
			return nil, lazyerrors.Error(err)
		}

		res[table] = cols
	}

	return res, nil
}

// tableColumns returns the column names of one table in definition order.
func (i *sqliteInspector) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}
	defer rows.Close()

	var cols []string

	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, lazyerrors.Error(err)
		}

		cols = append(cols, name)
	}

	return cols, rows.Err()
}

// ExecuteDDL implements Inspector.
func (i *sqliteInspector) ExecuteDDL(ctx context.Context, stmt string) error {
	if _, err := i.db.ExecContext(ctx, stmt); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// PlanSchema diffs the configured logical schema against the physical one
// and returns the commands needed to converge, in application order.
func PlanSchema(registry *design.Registry, mode design.TableMode, physical map[string][]string) []SchemaCommand {
	var res []SchemaCommand

	for _, d := range registry.All() {
		table := mode.Resolve(d.Table())
		logical := d.Columns()

		existing, ok := physical[table]
		if !ok {
			res = append(res, SchemaCommand{DDL: createTableDDL(table, logical)})
			continue
		}

		have := make(map[string]bool, len(existing))
		for _, c := range existing {
			have[c] = true
		}

		want := make(map[string]bool, len(logical))

		for _, c := range logical {
			want[c.Name] = true

			if have[c.Name] {
				continue
			}

			cmd := SchemaCommand{
				DDL: fmt.Sprintf("ALTER TABLE %q ADD COLUMN %q %s", table, c.Name, c.SQLType),
			}

			// a fresh projected column is NULL for existing rows until recomputed
			if !strings.HasPrefix(c.Name, "_") {
				cmd.RequiresReprojectionOf = d.Table()
			}

			res = append(res, cmd)
		}

		for _, c := range existing {
			if !want[c] {
				res = append(res, SchemaCommand{
					DDL:    fmt.Sprintf("ALTER TABLE %q DROP COLUMN %q", table, c),
					Unsafe: true,
				})
			}
		}
	}

	return res
}

// createTableDDL returns the CREATE TABLE statement for a document table.
//
// Reserved columns are NOT NULL; projected columns are nullable so that
// they can be added to populated tables later.
func createTableDDL(table string, cols []design.Column) string {
	defs := make([]string, len(cols))

	for i, c := range cols {
		switch c.Name {
		case design.IDColumn:
			defs[i] = fmt.Sprintf("%q %s NOT NULL PRIMARY KEY", c.Name, c.SQLType)
		case design.EtagColumn, design.TypeColumn, design.DocumentColumn, design.VersionColumn:
			defs[i] = fmt.Sprintf("%q %s NOT NULL", c.Name, c.SQLType)
		default:
			defs[i] = fmt.Sprintf("%q %s", c.Name, c.SQLType)
		}
	}

	return fmt.Sprintf("CREATE TABLE %q (%s) STRICT", table, strings.Join(defs, ", "))
}

// check interfaces
var (
	_ Inspector = (*sqliteInspector)(nil)
)
