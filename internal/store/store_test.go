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

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papyrusdb/papyrus/internal/design"
	"github.com/papyrusdb/papyrus/internal/session"
	"github.com/papyrusdb/papyrus/internal/util/state"
	"github.com/papyrusdb/papyrus/internal/util/testutil"
)

type order struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

func (o *order) DocumentID() string { return o.ID }

func ordersRegistry() *design.Registry {
	d := design.New("orders")
	d.Register("order", func() design.Entity { return new(order) })

	r := design.NewRegistry()
	r.Add(d)

	return r
}

func newStore(t *testing.T, config *Config) *Store {
	t.Helper()

	if config == nil {
		config = new(Config)
	}

	if config.Path == "" {
		config.Path = filepath.Join(t.TempDir(), "store.sqlite")
	}
	if config.Logger == nil {
		config.Logger = testutil.Logger(t)
	}
	if config.Registry == nil {
		config.Registry = ordersRegistry()
	}

	s, err := New(testutil.Ctx(t), config)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)
	ctx := testutil.Ctx(t)

	sess := s.NewSession()
	defer sess.Close()

	require.NoError(t, sess.Store(&order{ID: "o1", Total: 42}))
	require.NoError(t, sess.SaveChanges(ctx))

	sess2 := s.NewSession()
	defer sess2.Close()

	loaded, err := session.Load[*order](ctx, sess2, "o1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 42, loaded.Total)
}

func TestStoreReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.sqlite")
	ctx := testutil.Ctx(t)

	s, err := New(ctx, &Config{
		Path:     path,
		Logger:   testutil.Logger(t),
		Registry: ordersRegistry(),
	})
	require.NoError(t, err)

	sess := s.NewSession()
	require.NoError(t, sess.Store(&order{ID: "o1", Total: 7}))
	require.NoError(t, sess.SaveChanges(ctx))
	sess.Close()

	require.NoError(t, s.Close())

	// reopening applies the schema idempotently and sees existing data
	s2 := newStore(t, &Config{Path: path, Registry: ordersRegistry()})

	sess2 := s2.NewSession()
	defer sess2.Close()

	loaded, err := session.Load[*order](ctx, sess2, "o1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 7, loaded.Total)
}

func TestStoreIsolatedMode(t *testing.T) {
	t.Parallel()

	s := newStore(t, &Config{Mode: design.TableModeIsolated})
	ctx := testutil.Ctx(t)

	var name string
	q := `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`
	require.NoError(t, s.DB().QueryRowContext(ctx, q).Scan(&name))
	assert.Equal(t, "#orders", name)
}

func TestStorePlanSchema(t *testing.T) {
	t.Parallel()

	s := newStore(t, nil)

	// startup already reconciled the schema
	commands, err := s.PlanSchema(testutil.Ctx(t))
	require.NoError(t, err)
	assert.Empty(t, commands)
}

func TestStoreRecordsState(t *testing.T) {
	t.Parallel()

	provider, err := state.NewProviderDir(t.TempDir())
	require.NoError(t, err)

	newStore(t, &Config{StateProvider: provider})

	st, err := provider.Get()
	require.NoError(t, err)
	assert.Equal(t, "SQLite", st.BackendName)
	assert.NotEmpty(t, st.BackendVersion)
}
