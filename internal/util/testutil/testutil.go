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

// Package testutil provides testing helpers.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite" // register database/sql driver

	"github.com/papyrusdb/papyrus/internal/util/fsql"
)

// Ctx returns a test context that is canceled when the test finishes.
func Ctx(tb testing.TB) context.Context {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)

	return ctx
}

// SQLiteDB returns a wrapped connection to a fresh SQLite database
// in a per-test temporary directory.
//
// The connection is closed when the test finishes.
func SQLiteDB(tb testing.TB) *fsql.DB {
	tb.Helper()

	filename := filepath.Join(tb.TempDir(), "test.sqlite")

	sqlDB, err := sql.Open("sqlite", "file:"+filename)
	require.NoError(tb, err)

	sqlDB.SetConnMaxIdleTime(0)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(tb, sqlDB.Ping())

	db := fsql.WrapDB(sqlDB, DatabaseName(tb), Logger(tb))
	tb.Cleanup(func() {
		require.NoError(tb, db.Close())
	})

	return db
}

// DatabaseName returns a stable database name for that test.
func DatabaseName(tb testing.TB) string {
	tb.Helper()

	name := directoryName(tb)
	require.Less(tb, len(name), 64)

	return name
}
