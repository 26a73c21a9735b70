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
	"bytes"
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papyrusdb/papyrus/internal/backup"
	"github.com/papyrusdb/papyrus/internal/command"
	"github.com/papyrusdb/papyrus/internal/storeerrors"
	"github.com/papyrusdb/papyrus/internal/util/lazyerrors"
	"github.com/papyrusdb/papyrus/internal/util/observability"
)

// pending pairs a generated command with the managed entity it came from,
// so that bookkeeping can be updated after a successful flush.
type pending struct {
	cmd *command.Command
	m   *managed
}

// SaveChanges diffs all tracked entities and submits the resulting
// commands, plus any deferred commands, as one atomic Execute call.
//
// A session with nothing to persist issues no storage requests at all.
// Any failure poisons the session: all later SaveChanges calls fail
// immediately and the session must be closed and reopened.
func (s *Session) SaveChanges(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	if s.poisoned {
		return storeerrors.NewErrorf(
			storeerrors.ErrorCodeSessionPoisoned,
			"session is not in a valid state after a failed SaveChanges, close it and open a new one",
		)
	}

	pendings, err := s.collect()
	if err != nil {
		s.poisoned = true
		return lazyerrors.Error(err)
	}

	cmds := make([]*command.Command, 0, len(pendings)+len(s.deferred))
	for _, p := range pendings {
		cmds = append(cmds, p.cmd)
	}
	cmds = append(cmds, s.deferred...)

	if len(cmds) == 0 {
		return nil
	}

	if err = s.writeBackups(pendings); err != nil {
		s.poisoned = true
		return lazyerrors.Error(err)
	}

	etag, err := s.p.Executor.Execute(ctx, nil, cmds)
	if err != nil {
		s.poisoned = true
		return lazyerrors.Error(err)
	}

	for _, p := range pendings {
		s.applied(p, etag)
	}

	s.deferred = nil

	s.l.Debug("Changes saved", zap.Stringer("etag", etag), zap.Int("commands", len(cmds)))

	return nil
}

// collect builds commands for all tracked entities that need persisting.
func (s *Session) collect() ([]pending, error) {
	var res []pending

	seen := map[key]struct{}{}

	for _, k := range s.order {
		m, ok := s.entities[k]
		if !ok {
			continue // evicted
		}

		if _, ok = seen[k]; ok {
			continue // re-tracked after eviction
		}
		seen[k] = struct{}{}

		cmd, err := s.diff(k, m)
		if err != nil {
			return nil, lazyerrors.Error(err)
		}

		if cmd != nil {
			res = append(res, pending{cmd: cmd, m: m})
		}
	}

	return res, nil
}

// diff returns the command needed to persist the managed entity,
// or nil if it is unchanged.
func (s *Session) diff(k key, m *managed) (*command.Command, error) {
	table := s.p.Mode.Resolve(k.table)

	if m.state == lifecycleDeleted {
		return &command.Command{
			Kind:          command.KindDelete,
			Table:         table,
			ID:            m.id,
			Etag:          m.etag,
			LastWriteWins: s.p.LastWriteWins,
		}, nil
	}

	disc, payload, err := m.design.Encode(m.entity)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	version := s.p.Engine.MaxVersion(m.design)

	if m.state == lifecyclePersisted &&
		bytes.Equal(payload, m.baseline) && version == m.storedVersion {
		return nil, nil
	}

	projected, err := m.design.ProjectedValues(m.entity)
	if err != nil {
		return nil, storeerrors.NewError(storeerrors.ErrorCodeProjectionFailed, err)
	}

	cmd := &command.Command{
		Table:         table,
		ID:            m.id,
		Etag:          m.etag,
		Discriminator: disc,
		Document:      payload,
		Version:       version,
		Projections:   m.design.Projections(),
		Projected:     projected,
		LastWriteWins: s.p.LastWriteWins,
	}

	switch m.state {
	case lifecycleTransient:
		cmd.Kind = command.KindInsert
	case lifecyclePersisted:
		cmd.Kind = command.KindUpdate
	case lifecycleDeleted:
		// handled above
	}

	return cmd, nil
}

// writeBackups persists pre-migration payloads of documents that are
// about to be overwritten at a newer version.
//
// Each original is backed up at most once per document and version;
// an unchanged migrated document that is never saved is never backed up.
func (s *Session) writeBackups(pendings []pending) error {
	if s.p.Backup == nil {
		return nil
	}

	for _, p := range pendings {
		m := p.m

		if m.original == nil || p.cmd.Kind == command.KindDelete {
			continue
		}

		bk := backup.Key(m.design.Table(), m.id, m.storedVersion)

		if err := s.p.Backup.Write(bk, m.original); err != nil {
			return lazyerrors.Error(err)
		}

		s.l.Debug("Original document backed up", zap.String("key", bk))
	}

	return nil
}

// applied updates bookkeeping for one successfully flushed command.
func (s *Session) applied(p pending, etag uuid.UUID) {
	m := p.m
	k := key{table: m.design.Table(), id: m.id}

	if p.cmd.Kind == command.KindDelete {
		delete(s.entities, k)
		return
	}

	m.state = lifecyclePersisted
	m.etag = etag
	m.baseline = p.cmd.Document
	m.storedVersion = p.cmd.Version
	m.original = nil
}
