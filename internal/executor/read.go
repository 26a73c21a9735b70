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

package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/papyrusdb/papyrus/internal/design"
	"github.com/papyrusdb/papyrus/internal/util/lazyerrors"
	"github.com/papyrusdb/papyrus/internal/util/observability"
)

// Row is the raw physical representation of one stored document.
type Row struct {
	ID            string
	Etag          uuid.UUID
	Discriminator string
	Document      []byte
	Version       int
}

// QueryParams describes one windowed read.
type QueryParams struct {
	Table   string // physical table name
	Where   string // SQL fragment without the WHERE keyword; empty matches all rows
	OrderBy string // SQL fragment without the ORDER BY keyword; empty orders by id

	// Parameters are named values referenced by Where as @name.
	Parameters map[string]any

	Skip int
	Take int // 0 means no limit
}

// QueryStats describes the full filtered set of one query,
// independent of paging.
type QueryStats struct {
	TotalResults     int
	RetrievedResults int
}

// documentColumns is the select list shared by Get and Query.
var documentColumns = fmt.Sprintf(
	"%q, %q, %q, %q, %q",
	design.IDColumn, design.EtagColumn, design.TypeColumn, design.DocumentColumn, design.VersionColumn,
)

// scanRow scans one document row from the given scanner.
func scanRow(scan func(...any) error) (*Row, error) {
	var row Row
	var etag string

	if err := scan(&row.ID, &etag, &row.Discriminator, &row.Document, &row.Version); err != nil {
		return nil, err
	}

	var err error
	if row.Etag, err = uuid.Parse(etag); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return &row, nil
}

// Get fetches a single document row by id.
//
// It returns (nil, nil) if no row exists.
func (e *Executor) Get(ctx context.Context, table, id string) (*Row, error) {
	defer observability.FuncCall(ctx)()

	q := fmt.Sprintf(
		"SELECT %s FROM %q WHERE %q = ?",
		documentColumns, table, design.IDColumn,
	)

	row, err := scanRow(e.db.QueryRowContext(ctx, q, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return row, nil
}

// Query executes a windowed read and returns the page plus stats
// computed from the full filtered set.
//
// Paging uses row numbering over the filtered, ordered set;
// TotalResults is not affected by Skip and Take.
func (e *Executor) Query(ctx context.Context, params *QueryParams) ([]*Row, QueryStats, error) {
	defer observability.FuncCall(ctx)()

	var stats QueryStats

	where := params.Where
	if where == "" {
		where = "1 = 1"
	}

	orderBy := params.OrderBy
	if orderBy == "" {
		orderBy = fmt.Sprintf("%q", design.IDColumn)
	}

	args := make([]any, 0, len(params.Parameters)+2)
	for name, value := range params.Parameters {
		args = append(args, sql.Named(name, value))
	}

	countQ := fmt.Sprintf("SELECT COUNT(*) FROM %q WHERE %s", params.Table, where)
	if err := e.db.QueryRowContext(ctx, countQ, args...).Scan(&stats.TotalResults); err != nil {
		return nil, stats, lazyerrors.Error(err)
	}

	pageQ := fmt.Sprintf(
		`SELECT %[1]s FROM (`+
			`SELECT %[1]s, ROW_NUMBER() OVER (ORDER BY %[2]s) AS "_row" FROM %[3]q WHERE %[4]s`+
			`) WHERE "_row" > @__skip AND (@__take = 0 OR "_row" <= @__skip + @__take)`,
		documentColumns, orderBy, params.Table, where,
	)
	args = append(args, sql.Named("__skip", params.Skip), sql.Named("__take", params.Take))

	rows, err := e.db.QueryContext(ctx, pageQ, args...)
	if err != nil {
		return nil, stats, lazyerrors.Error(err)
	}

	defer rows.Close()

	var res []*Row

	for rows.Next() {
		row, err := scanRow(rows.Scan)
		if err != nil {
			return nil, stats, lazyerrors.Error(err)
		}

		res = append(res, row)
	}

	if err := rows.Err(); err != nil {
		return nil, stats, lazyerrors.Error(err)
	}

	stats.RetrievedResults = len(res)

	return res, stats, nil
}
