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

package fsql_test

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite" // register database/sql driver

	"github.com/papyrusdb/papyrus/internal/util/fsql"
	"github.com/papyrusdb/papyrus/internal/util/testutil"
)

func testDB(t *testing.T) *fsql.DB {
	t.Helper()

	filename := filepath.Join(t.TempDir(), "test.sqlite")

	sqlDB, err := sql.Open("sqlite", "file:"+filename)
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	db := fsql.WrapDB(sqlDB, "fsql_test", zaptest.NewLogger(t))
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

func TestWrapDBNil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, fsql.WrapDB(nil, "nil", nil))
}

func TestInTransaction(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	ctx := testutil.Ctx(t)

	_, err := db.ExecContext(ctx, `CREATE TABLE t ("v" INTEGER NOT NULL) STRICT`)
	require.NoError(t, err)

	err = db.InTransaction(ctx, func(tx *fsql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO t ("v") VALUES (1)`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.InTransaction(ctx, func(tx *fsql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO t ("v") VALUES (2)`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&n))
	assert.Equal(t, 1, n)
}
