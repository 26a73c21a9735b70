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
	"context"
	"reflect"

	"github.com/papyrusdb/papyrus/internal/design"
	"github.com/papyrusdb/papyrus/internal/executor"
	"github.com/papyrusdb/papyrus/internal/util/lazyerrors"
	"github.com/papyrusdb/papyrus/internal/util/observability"
)

// Query runs a windowed query against the table that stores T.
//
// The predicate is translated by the session's predicate compiler.
// Rows already tracked by the session are merged through the identity map:
// the tracked instance is returned instead of a freshly deserialized one,
// and rows tracked as deleted are filtered out even though storage has
// not yet reflected the deletion.
//
// Take 0 means no limit. Stats reflect the returned window.
func Query[T design.Entity](ctx context.Context, s *Session, predicate any, skip, take int) ([]T, executor.QueryStats, error) {
	defer observability.FuncCall(ctx)()

	var stats executor.QueryStats

	d, err := s.p.Registry.ForType(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, stats, lazyerrors.Error(err)
	}

	f, err := s.p.Compiler.Compile(predicate)
	if err != nil {
		return nil, stats, lazyerrors.Error(err)
	}

	rows, stats, err := s.p.Executor.Query(ctx, &executor.QueryParams{
		Table:      s.p.Mode.Resolve(d.Table()),
		Where:      f.Where,
		OrderBy:    f.OrderBy,
		Parameters: f.Parameters,
		Skip:       skip,
		Take:       take,
	})
	if err != nil {
		return nil, stats, lazyerrors.Error(err)
	}

	res := make([]T, 0, len(rows))

	for _, row := range rows {
		k := key{table: d.Table(), id: row.ID}

		if m, ok := s.entities[k]; ok {
			if m.state == lifecycleDeleted {
				continue
			}

			if typed, ok := m.entity.(T); ok {
				res = append(res, typed)
			}

			continue
		}

		m, err := s.materialize(d, row)
		if err != nil {
			return nil, stats, lazyerrors.Error(err)
		}

		typed, ok := m.entity.(T)
		if !ok {
			continue
		}

		s.track(k, m)
		res = append(res, typed)
	}

	stats.RetrievedResults = len(res)

	return res, stats, nil
}
