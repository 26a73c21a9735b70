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

// Package executor implements the write pipeline and the windowed read path.
//
// Execute turns a list of logical commands into batched statements issued
// inside one transaction, with row-count based optimistic concurrency.
// An Executor is safe for concurrent use by many sessions.
package executor

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/papyrusdb/papyrus/internal/command"
	"github.com/papyrusdb/papyrus/internal/storeerrors"
	"github.com/papyrusdb/papyrus/internal/util/fsql"
	"github.com/papyrusdb/papyrus/internal/util/lazyerrors"
	"github.com/papyrusdb/papyrus/internal/util/observability"
)

// DefaultMaxParams is the default hard ceiling on bound parameters
// per physical statement batch.
//
// SQLite's historical SQLITE_MAX_VARIABLE_NUMBER limit.
const DefaultMaxParams = 999

// Executor owns the physical connection and issues compiled commands.
type Executor struct {
	db        *fsql.DB
	l         *zap.Logger
	maxParams int

	requests atomic.Int64
	lastEtag atomic.Pointer[uuid.UUID]
}

// New creates a new Executor on the given connection.
//
// If maxParams is not positive, DefaultMaxParams is used.
func New(db *fsql.DB, maxParams int, l *zap.Logger) *Executor {
	if maxParams <= 0 {
		maxParams = DefaultMaxParams
	}

	return &Executor{
		db:        db,
		l:         l.Named("executor"),
		maxParams: maxParams,
	}
}

// DB returns the underlying connection.
func (e *Executor) DB() *fsql.DB {
	return e.db
}

// Requests returns the number of physical statement batches issued so far.
func (e *Executor) Requests() int64 {
	return e.requests.Load()
}

// LastEtag returns the last successfully written etag, or uuid.Nil.
func (e *Executor) LastEtag() uuid.UUID {
	if p := e.lastEtag.Load(); p != nil {
		return *p
	}

	return uuid.Nil
}

// Execute compiles and executes the given commands, stamping one fresh
// shared etag on every touched row.
//
// All statement batches run inside one transaction: the caller-supplied tx
// if it is not nil, otherwise a transaction owned by this call.
// Either all batches commit or none do.
//
// Errors (possibly wrapped) are:
//   - *storeerrors.Error with ErrorCodeEmptyBatch for an empty command list;
//   - *storeerrors.Error with ErrorCodeOversizedCommand for a single command
//     reaching the parameter ceiling;
//   - *storeerrors.Error with ErrorCodeConcurrencyConflict for a stale etag,
//     a missing row, or a duplicate insert;
//   - something else.
func (e *Executor) Execute(ctx context.Context, tx *fsql.Tx, cmds []*command.Command) (uuid.UUID, error) {
	defer observability.FuncCall(ctx)()

	if len(cmds) == 0 {
		return uuid.Nil, storeerrors.NewErrorf(storeerrors.ErrorCodeEmptyBatch, "no commands to execute")
	}

	etag := uuid.New()

	prepared := make([]*command.Prepared, len(cmds))

	for i, cmd := range cmds {
		p, err := command.Compile(cmd, etag)
		if err != nil {
			return uuid.Nil, lazyerrors.Error(err)
		}

		if p.ParamCount() >= e.maxParams {
			return uuid.Nil, storeerrors.NewErrorf(
				storeerrors.ErrorCodeOversizedCommand,
				"%s of %q has %d parameters, the ceiling is %d",
				cmd.Kind, cmd.ID, p.ParamCount(), e.maxParams,
			)
		}

		prepared[i] = p
	}

	run := func(tx *fsql.Tx) error {
		return e.flushAll(ctx, tx, prepared)
	}

	var err error
	if tx != nil {
		err = run(tx)
	} else {
		err = e.db.InTransaction(ctx, run)
	}

	if err != nil {
		return uuid.Nil, err
	}

	e.lastEtag.Store(&etag)

	return etag, nil
}

// flushAll splits prepared statements into batches bounded by the parameter
// ceiling and executes them in order.
func (e *Executor) flushAll(ctx context.Context, tx *fsql.Tx, prepared []*command.Prepared) error {
	var batch []*command.Prepared
	var params int

	for _, p := range prepared {
		if params+p.ParamCount() > e.maxParams {
			if err := e.flush(ctx, tx, batch); err != nil {
				return err
			}

			batch, params = nil, 0
		}

		batch = append(batch, p)
		params += p.ParamCount()
	}

	return e.flush(ctx, tx, batch)
}

// flush executes one physical statement batch and verifies the batch's
// expected-vs-actual affected row count.
func (e *Executor) flush(ctx context.Context, tx *fsql.Tx, batch []*command.Prepared) error {
	if len(batch) == 0 {
		return nil
	}

	e.requests.Add(1)

	var expected, affected int64

	for _, p := range batch {
		res, err := tx.ExecContext(ctx, p.SQL, p.Args...)
		if err != nil {
			var se *sqlite.Error
			if errors.As(err, &se) && isConstraintViolation(se.Code()) {
				return storeerrors.NewErrorf(
					storeerrors.ErrorCodeConcurrencyConflict,
					"duplicate document id: %v", err,
				)
			}

			return lazyerrors.Error(err)
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return lazyerrors.Error(err)
		}

		expected += p.ExpectedRows
		affected += ra
	}

	if affected != expected {
		return storeerrors.NewErrorf(
			storeerrors.ErrorCodeConcurrencyConflict,
			"expected %d affected rows, got %d", expected, affected,
		)
	}

	return nil
}

// isConstraintViolation reports whether the SQLite error code indicates
// a primary key or unique constraint violation.
func isConstraintViolation(code int) bool {
	return code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY ||
		code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlitelib.SQLITE_CONSTRAINT
}
