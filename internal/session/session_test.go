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

package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papyrusdb/papyrus/internal/backup"
	"github.com/papyrusdb/papyrus/internal/command"
	"github.com/papyrusdb/papyrus/internal/design"
	"github.com/papyrusdb/papyrus/internal/executor"
	"github.com/papyrusdb/papyrus/internal/migration"
	"github.com/papyrusdb/papyrus/internal/storeerrors"
	"github.com/papyrusdb/papyrus/internal/util/fsql"
	"github.com/papyrusdb/papyrus/internal/util/testutil"
)

type task struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

func (t *task) DocumentID() string { return t.ID }

type memo struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

func (m *memo) DocumentID() string { return m.ID }

// env is shared storage for one test; sessions created from it see the
// same database.
type env struct {
	db       *fsql.DB
	registry *design.Registry
	engine   *migration.Engine
	exec     *executor.Executor
	backup   backup.Writer
	lww      bool
}

// newEnv creates storage with a tasks table that stores both task and
// memo documents.
func newEnv(t *testing.T) *env {
	t.Helper()

	d := design.New("tasks")
	d.Register("task", func() design.Entity { return new(task) })
	d.Register("memo", func() design.Entity { return new(memo) })
	d.Project("title", "TEXT", func(e design.Entity) (any, error) {
		if t, ok := e.(*task); ok {
			return t.Title, nil
		}
		return nil, nil
	})

	r := design.NewRegistry()
	r.Add(d)

	l := testutil.Logger(t)
	db := testutil.SQLiteDB(t)

	e := &env{
		db:       db,
		registry: r,
		engine:   migration.NewEngine(l),
		exec:     executor.New(db, 0, l),
	}

	e.applySchema(t)

	return e
}

func (e *env) applySchema(t *testing.T) {
	t.Helper()

	err := e.engine.ApplySchema(testutil.Ctx(t), &migration.ApplyParams{
		DB:        e.db,
		Inspector: migration.NewSQLiteInspector(e.db),
		Registry:  e.registry,
		Mode:      design.TableModeProduction,
		Backup:    e.backup,
	})
	require.NoError(t, err)
}

func (e *env) session(t *testing.T) *Session {
	t.Helper()

	s := New(&Params{
		Logger:        testutil.Logger(t),
		Executor:      e.exec,
		Registry:      e.registry,
		Engine:        e.engine,
		Compiler:      executor.RawPredicateCompiler{},
		Mode:          design.TableModeProduction,
		Backup:        e.backup,
		LastWriteWins: e.lww,
	})
	t.Cleanup(s.Close)

	return s
}

// storedVersion returns the persisted document version of one row.
func (e *env) storedVersion(t *testing.T, id string) int {
	t.Helper()

	var v int
	q := `SELECT "_version" FROM "tasks" WHERE "_id" = ?`
	require.NoError(t, e.db.QueryRowContext(testutil.Ctx(t), q, id).Scan(&v))

	return v
}

func TestSaveChangesNoOp(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	require.NoError(t, s.SaveChanges(ctx))
	assert.EqualValues(t, 0, e.exec.Requests())

	require.NoError(t, s.Store(&task{ID: "t1", Title: "write tests"}))
	require.NoError(t, s.SaveChanges(ctx))
	assert.EqualValues(t, 1, e.exec.Requests())

	// nothing changed, so no request is issued
	require.NoError(t, s.SaveChanges(ctx))
	assert.EqualValues(t, 1, e.exec.Requests())

	s2 := e.session(t)
	loaded, err := Load[*task](ctx, s2, "t1")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	require.NoError(t, s2.SaveChanges(ctx))
	assert.EqualValues(t, 1, e.exec.Requests())
}

func TestIdentityMap(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	stored := &task{ID: "t1", Title: "original"}
	require.NoError(t, s.Store(stored))
	require.NoError(t, s.SaveChanges(ctx))

	// the same session returns the tracked instance without a read
	loaded, err := Load[*task](ctx, s, "t1")
	require.NoError(t, err)
	assert.Same(t, stored, loaded)

	s2 := e.session(t)
	first, err := Load[*task](ctx, s2, "t1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.NotSame(t, stored, first)
	assert.Equal(t, "original", first.Title)

	second, err := Load[*task](ctx, s2, "t1")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	s := e.session(t)
	loaded, err := Load[*task](testutil.Ctx(t), s, "absent")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestDuplicateStore(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	first := &task{ID: "t1", Title: "first"}
	require.NoError(t, s.Store(first))
	require.NoError(t, s.Store(&task{ID: "t1", Title: "second"}))

	loaded, err := Load[*task](ctx, s, "t1")
	require.NoError(t, err)
	assert.Same(t, first, loaded)

	require.NoError(t, s.SaveChanges(ctx))

	s2 := e.session(t)
	persisted, err := Load[*task](ctx, s2, "t1")
	require.NoError(t, err)
	assert.Equal(t, "first", persisted.Title)
}

func TestDirtyChecking(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	require.NoError(t, s.Store(&task{ID: "t1", Title: "draft"}))
	require.NoError(t, s.SaveChanges(ctx))

	s2 := e.session(t)
	loaded, err := Load[*task](ctx, s2, "t1")
	require.NoError(t, err)

	loaded.Done = true
	require.NoError(t, s2.SaveChanges(ctx))
	assert.EqualValues(t, 2, e.exec.Requests())

	s3 := e.session(t)
	reloaded, err := Load[*task](ctx, s3, "t1")
	require.NoError(t, err)
	assert.True(t, reloaded.Done)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	require.NoError(t, s.Store(&task{ID: "t1", Title: "a"}))
	require.NoError(t, s.Store(&task{ID: "t2", Title: "b"}))
	require.NoError(t, s.SaveChanges(ctx))

	s2 := e.session(t)
	all, stats, err := Query[*task](ctx, s2, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 2, stats.TotalResults)

	require.NoError(t, s2.Delete(all[0]))

	// deleted entities are filtered before the delete is flushed
	remaining, stats, err := Query[*task](ctx, s2, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, 2, stats.TotalResults)
	assert.Equal(t, 1, stats.RetrievedResults)

	gone, err := Load[*task](ctx, s2, all[0].ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	require.NoError(t, s2.SaveChanges(ctx))

	s3 := e.session(t)
	_, stats, err = Query[*task](ctx, s3, nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalResults)
}

func TestDeleteTransient(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	tr := &task{ID: "t1"}
	require.NoError(t, s.Store(tr))
	require.NoError(t, s.Delete(tr))

	require.NoError(t, s.SaveChanges(ctx))
	assert.EqualValues(t, 0, e.exec.Requests())
}

func TestEvict(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	require.NoError(t, s.Store(&task{ID: "t1", Title: "keep"}))
	require.NoError(t, s.SaveChanges(ctx))

	s2 := e.session(t)
	loaded, err := Load[*task](ctx, s2, "t1")
	require.NoError(t, err)

	require.NoError(t, s2.Evict(loaded))
	loaded.Title = "never persisted"

	require.NoError(t, s2.SaveChanges(ctx))

	s3 := e.session(t)
	reloaded, err := Load[*task](ctx, s3, "t1")
	require.NoError(t, err)
	assert.Equal(t, "keep", reloaded.Title)
}

func TestConcurrencyConflict(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	require.NoError(t, s.Store(&task{ID: "t1", Title: "v0"}))
	require.NoError(t, s.SaveChanges(ctx))

	s1 := e.session(t)
	t1, err := Load[*task](ctx, s1, "t1")
	require.NoError(t, err)

	s2 := e.session(t)
	t2, err := Load[*task](ctx, s2, "t1")
	require.NoError(t, err)

	t1.Title = "winner"
	require.NoError(t, s1.SaveChanges(ctx))

	t2.Title = "loser"
	err = s2.SaveChanges(ctx)
	require.Error(t, err)
	assert.True(t, storeerrors.ErrorCodeIs(err, storeerrors.ErrorCodeConcurrencyConflict))

	// the failed session is poisoned for good
	err = s2.SaveChanges(ctx)
	require.Error(t, err)
	assert.True(t, storeerrors.ErrorCodeIs(err, storeerrors.ErrorCodeSessionPoisoned))

	s3 := e.session(t)
	final, err := Load[*task](ctx, s3, "t1")
	require.NoError(t, err)
	assert.Equal(t, "winner", final.Title)
}

func TestLastWriteWins(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.lww = true
	ctx := testutil.Ctx(t)

	s := e.session(t)
	require.NoError(t, s.Store(&task{ID: "t1", Title: "v0"}))
	require.NoError(t, s.SaveChanges(ctx))

	s1 := e.session(t)
	t1, err := Load[*task](ctx, s1, "t1")
	require.NoError(t, err)

	s2 := e.session(t)
	t2, err := Load[*task](ctx, s2, "t1")
	require.NoError(t, err)

	t1.Title = "first writer"
	require.NoError(t, s1.SaveChanges(ctx))

	t2.Title = "second writer"
	require.NoError(t, s2.SaveChanges(ctx))

	s3 := e.session(t)
	final, err := Load[*task](ctx, s3, "t1")
	require.NoError(t, err)
	assert.Equal(t, "second writer", final.Title)
}

func TestGetEtagFor(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	tr := &task{ID: "t1"}

	etag, err := s.GetEtagFor(tr)
	require.NoError(t, err)
	assert.Nil(t, etag)

	require.NoError(t, s.Store(tr))

	etag, err = s.GetEtagFor(tr)
	require.NoError(t, err)
	require.NotNil(t, etag)
	assert.Equal(t, uuid.Nil, *etag)

	require.NoError(t, s.SaveChanges(ctx))

	etag, err = s.GetEtagFor(tr)
	require.NoError(t, err)
	require.NotNil(t, etag)
	assert.Equal(t, e.exec.LastEtag(), *etag)
}

func TestLoadTypeMismatch(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	require.NoError(t, s.Store(&task{ID: "t1", Title: "a task"}))

	_, err := Load[*memo](ctx, s, "t1")
	require.Error(t, err)
	assert.True(t, storeerrors.ErrorCodeIs(err, storeerrors.ErrorCodeTypeMismatch))
}

func TestLoadOtherDiscriminator(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	require.NoError(t, s.Store(&task{ID: "t1", Title: "a task"}))
	require.NoError(t, s.SaveChanges(ctx))

	// an untracked row of a different stored type reads as missing
	s2 := e.session(t)
	m, err := Load[*memo](ctx, s2, "t1")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDefer(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	require.NoError(t, s.Store(&task{ID: "t1"}))
	require.NoError(t, s.SaveChanges(ctx))

	s2 := e.session(t)
	s2.Defer(&command.Command{
		Kind:          command.KindDelete,
		Table:         "tasks",
		ID:            "t1",
		LastWriteWins: true,
	})
	require.NoError(t, s2.SaveChanges(ctx))

	s3 := e.session(t)
	gone, err := Load[*task](ctx, s3, "t1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestLazyMigration(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	dir := t.TempDir()
	e.backup = backup.NewFileWriter(dir)
	ctx := testutil.Ctx(t)

	d := e.registry.ByTable("tasks")
	e.engine.AddDocumentStep(d, 1, func(payload []byte) ([]byte, error) {
		var doc map[string]any
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, err
		}
		doc["title"] = doc["title"].(string) + " [v1]"
		return json.Marshal(doc)
	})
	e.engine.AddDocumentStep(d, 2, func(payload []byte) ([]byte, error) {
		var doc map[string]any
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, err
		}
		doc["done"] = true
		return json.Marshal(doc)
	})

	// persist a version 0 document bypassing the engine
	original := []byte(`{"id":"t1","title":"old"}`)
	_, err := e.exec.Execute(ctx, nil, []*command.Command{{
		Kind:          command.KindInsert,
		Table:         "tasks",
		ID:            "t1",
		Discriminator: "task",
		Document:      original,
	}})
	require.NoError(t, err)
	require.Equal(t, 0, e.storedVersion(t, "t1"))

	s := e.session(t)
	loaded, err := Load[*task](ctx, s, "t1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "old [v1]", loaded.Title)
	assert.True(t, loaded.Done)

	// unchanged in memory, but the stored version is behind
	require.NoError(t, s.SaveChanges(ctx))
	assert.Equal(t, 2, e.storedVersion(t, "t1"))

	backupPath := filepath.Join(dir, "tasks", "t1.v0")
	b, err := os.ReadFile(backupPath)
	require.NoError(t, err)
	assert.Equal(t, original, b)

	// later saves must not touch the backup again
	loaded.Title = "renamed"
	require.NoError(t, s.SaveChanges(ctx))

	b, err = os.ReadFile(backupPath)
	require.NoError(t, err)
	assert.Equal(t, original, b)

	s2 := e.session(t)
	reloaded, err := Load[*task](ctx, s2, "t1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", reloaded.Title)
}

func TestQueryPaging(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Store(&task{ID: id, Title: id}))
	}
	require.NoError(t, s.SaveChanges(ctx))

	s2 := e.session(t)
	page, stats, err := Query[*task](ctx, s2, nil, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 5, stats.TotalResults)
	assert.Equal(t, 2, stats.RetrievedResults)
	assert.Equal(t, "b", page[0].ID)
	assert.Equal(t, "c", page[1].ID)
}

func TestQueryPredicate(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	require.NoError(t, s.Store(&task{ID: "t1", Title: "alpha"}))
	require.NoError(t, s.Store(&task{ID: "t2", Title: "beta"}))
	require.NoError(t, s.Store(&task{ID: "t3", Title: "alps"}))
	require.NoError(t, s.SaveChanges(ctx))

	s2 := e.session(t)
	res, stats, err := Query[*task](ctx, s2, &executor.Fragments{
		Where:      `"title" LIKE @prefix`,
		OrderBy:    `"title" DESC`,
		Parameters: map[string]any{"prefix": "alp%"},
	}, 0, 0)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, 2, stats.TotalResults)
	assert.Equal(t, "alps", res[0].Title)
	assert.Equal(t, "alpha", res[1].Title)
}

func TestQueryMergesTrackedInstances(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := testutil.Ctx(t)

	s := e.session(t)
	require.NoError(t, s.Store(&task{ID: "t1", Title: "stored"}))
	require.NoError(t, s.SaveChanges(ctx))

	s2 := e.session(t)
	loaded, err := Load[*task](ctx, s2, "t1")
	require.NoError(t, err)

	loaded.Title = "changed in memory"

	res, _, err := Query[*task](ctx, s2, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Same(t, loaded, res[0])
	assert.Equal(t, "changed in memory", res[0].Title)
}
