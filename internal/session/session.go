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

// Package session implements the unit of work.
//
// A Session tracks loaded and stored entities in an identity map,
// diffs them against their last known persisted form on SaveChanges,
// and submits all resulting commands as one Execute call.
//
// A Session is not safe for concurrent use; it represents one logical
// unit of work and must be confined to one task at a time.
package session

import (
	"context"
	"reflect"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papyrusdb/papyrus/internal/backup"
	"github.com/papyrusdb/papyrus/internal/command"
	"github.com/papyrusdb/papyrus/internal/design"
	"github.com/papyrusdb/papyrus/internal/executor"
	"github.com/papyrusdb/papyrus/internal/migration"
	"github.com/papyrusdb/papyrus/internal/storeerrors"
	"github.com/papyrusdb/papyrus/internal/util/lazyerrors"
	"github.com/papyrusdb/papyrus/internal/util/observability"
	"github.com/papyrusdb/papyrus/internal/util/resource"
)

// lifecycle is the state of one managed entity.
type lifecycle int

// Lifecycle states.
const (
	lifecycleTransient lifecycle = iota // stored but never persisted
	lifecyclePersisted                  // loaded from or written to storage
	lifecycleDeleted                    // marked for removal
)

// managed is one tracked entity plus its diffing baseline.
//
//nolint:vet // for readability
type managed struct {
	id     string
	design *design.Design
	entity design.Entity
	state  lifecycle

	// etag is the last known persisted concurrency token,
	// uuid.Nil for entities that were never persisted.
	etag uuid.UUID

	// baseline is the serialized post-migration form recorded at load
	// or after the last successful save.
	baseline []byte

	// storedVersion is the document version currently persisted in the row.
	storedVersion int

	// original is the pre-migration raw payload, kept until the first
	// successful persist of the migrated document backs it up.
	original []byte
}

// key identifies one managed entity within a session.
type key struct {
	table string
	id    string
}

// Params are parameters of New.
//
//nolint:vet // for readability
type Params struct {
	Logger   *zap.Logger
	Executor *executor.Executor
	Registry *design.Registry
	Engine   *migration.Engine
	Compiler executor.PredicateCompiler
	Mode     design.TableMode

	// Backup receives pre-migration payloads before migrated documents
	// are overwritten; nil disables backups.
	Backup backup.Writer

	// LastWriteWins makes all session writes match rows by id only,
	// ignoring stored etags.
	LastWriteWins bool
}

// Session is one unit of work.
type Session struct {
	p *Params
	l *zap.Logger

	entities map[key]*managed
	order    []key // keys in tracking order, possibly stale
	deferred []*command.Command
	poisoned bool

	token *resource.Token
}

// New creates a new Session.
func New(p *Params) *Session {
	s := &Session{
		p:        p,
		l:        p.Logger.Named("session"),
		entities: map[key]*managed{},
		token:    resource.NewToken(),
	}

	resource.Track(s, s.token)

	return s
}

// Close removes all tracked entities and releases the session.
func (s *Session) Close() {
	s.Clear()
	resource.Untrack(s, s.token)
}

// keyFor resolves the design and identity-map key for the entity.
func (s *Session) keyFor(e design.Entity) (*design.Design, key, error) {
	d, err := s.p.Registry.ForEntity(e)
	if err != nil {
		return nil, key{}, lazyerrors.Error(err)
	}

	id := e.DocumentID()
	if id == "" {
		return nil, key{}, lazyerrors.Errorf("entity of type %T has no document id", e)
	}

	return d, key{table: d.Table(), id: id}, nil
}

// track adds a managed entity to the identity map.
func (s *Session) track(k key, m *managed) {
	s.entities[k] = m
	s.order = append(s.order, k)
}

// Store starts tracking the entity as transient.
//
// If an entity with the same id is already tracked, Store is a no-op:
// the first stored instance wins.
func (s *Session) Store(e design.Entity) error {
	d, k, err := s.keyFor(e)
	if err != nil {
		return lazyerrors.Error(err)
	}

	if _, ok := s.entities[k]; ok {
		return nil
	}

	if _, err = d.Discriminator(e); err != nil {
		return lazyerrors.Error(err)
	}

	s.track(k, &managed{
		id:     k.id,
		design: d,
		entity: e,
		state:  lifecycleTransient,
		etag:   uuid.Nil,
	})

	return nil
}

// Delete marks the entity for removal on the next SaveChanges.
//
// A transient entity is simply untracked; an untracked entity is a no-op.
func (s *Session) Delete(e design.Entity) error {
	_, k, err := s.keyFor(e)
	if err != nil {
		return lazyerrors.Error(err)
	}

	m, ok := s.entities[k]
	if !ok {
		return nil
	}

	if m.state == lifecycleTransient {
		delete(s.entities, k)
		return nil
	}

	m.state = lifecycleDeleted

	return nil
}

// Defer queues a raw logical command to be flushed on the next SaveChanges,
// independent of tracked-entity diffing.
func (s *Session) Defer(cmd *command.Command) {
	s.deferred = append(s.deferred, cmd)
}

// Evict removes the entity from tracking without issuing a delete.
func (s *Session) Evict(e design.Entity) error {
	_, k, err := s.keyFor(e)
	if err != nil {
		return lazyerrors.Error(err)
	}

	delete(s.entities, k)

	return nil
}

// Clear removes all entities from tracking without issuing deletes.
func (s *Session) Clear() {
	s.entities = map[key]*managed{}
	s.order = nil
}

// GetEtagFor returns the entity's last known persisted etag.
//
// It returns nil for untracked entities and the zero token for entities
// that were never successfully persisted.
func (s *Session) GetEtagFor(e design.Entity) (*uuid.UUID, error) {
	_, k, err := s.keyFor(e)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	m, ok := s.entities[k]
	if !ok {
		return nil, nil
	}

	etag := m.etag

	return &etag, nil
}

// Load returns the entity with the given id, or the zero value if no
// document exists (or its stored type does not satisfy T).
//
// A tracked entity is returned from the identity map without touching
// storage; loading a tracked entity as an incompatible type is an error.
// An untracked row is migrated to the current document version before
// deserialization, and the post-migration form becomes the diff baseline.
func Load[T design.Entity](ctx context.Context, s *Session, id string) (T, error) {
	defer observability.FuncCall(ctx)()

	var zero T

	d, err := s.p.Registry.ForType(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return zero, lazyerrors.Error(err)
	}

	k := key{table: d.Table(), id: id}

	if m, ok := s.entities[k]; ok {
		if m.state == lifecycleDeleted {
			return zero, nil
		}

		typed, ok := m.entity.(T)
		if !ok {
			return zero, storeerrors.NewErrorf(
				storeerrors.ErrorCodeTypeMismatch,
				"document %q is tracked as %T, which is not assignable to %s",
				id, m.entity, reflect.TypeOf((*T)(nil)).Elem(),
			)
		}

		return typed, nil
	}

	row, err := s.p.Executor.Get(ctx, s.p.Mode.Resolve(d.Table()), id)
	if err != nil {
		return zero, lazyerrors.Error(err)
	}

	if row == nil {
		return zero, nil
	}

	m, err := s.materialize(d, row)
	if err != nil {
		return zero, lazyerrors.Error(err)
	}

	typed, ok := m.entity.(T)
	if !ok {
		// the stored concrete type does not satisfy T
		return zero, nil
	}

	s.track(k, m)

	return typed, nil
}

// materialize turns a raw row into a managed entity,
// migrating the payload to the current document version.
func (s *Session) materialize(d *design.Design, row *executor.Row) (*managed, error) {
	payload, version, err := s.p.Engine.MigrateDocument(d, row.Document, row.Version)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	entity, err := d.Decode(row.Discriminator, payload)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	// the baseline is the re-encoded post-migration form, so that the
	// next SaveChanges diffs against exactly what Encode would produce
	_, baseline, err := d.Encode(entity)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	m := &managed{
		id:            row.ID,
		design:        d,
		entity:        entity,
		state:         lifecyclePersisted,
		etag:          row.Etag,
		baseline:      baseline,
		storedVersion: row.Version,
	}

	if version > row.Version {
		m.original = row.Document
	}

	return m, nil
}
