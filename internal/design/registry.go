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

package design

import (
	"fmt"
	"reflect"

	"github.com/papyrusdb/papyrus/internal/util/lazyerrors"
)

// Registry is the set of all designs known to one store.
type Registry struct {
	byTable map[string]*Design
	order   []string // table names in registration order
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byTable: map[string]*Design{},
	}
}

// Add adds a design to the registry.
func (r *Registry) Add(d *Design) {
	if _, dup := r.byTable[d.table]; dup {
		panic(fmt.Sprintf("design for table %q is already registered", d.table))
	}

	r.byTable[d.table] = d
	r.order = append(r.order, d.table)
}

// All returns all designs in registration order.
func (r *Registry) All() []*Design {
	res := make([]*Design, len(r.order))
	for i, table := range r.order {
		res[i] = r.byTable[table]
	}

	return res
}

// ByTable returns the design for the given logical table name, or nil.
func (r *Registry) ByTable(table string) *Design {
	return r.byTable[table]
}

// ForEntity returns the design covering the entity's concrete type.
func (r *Registry) ForEntity(e Entity) (*Design, error) {
	d, err := r.ForType(reflect.TypeOf(e))
	if err != nil {
		return nil, lazyerrors.Errorf("no design for entity type %T", e)
	}

	return d, nil
}

// ForType returns the design covering the given entity type.
//
// An interface type matches the first registered design with a concrete
// type implementing it.
func (r *Registry) ForType(t reflect.Type) (*Design, error) {
	for _, table := range r.order {
		if r.byTable[table].Covers(t) {
			return r.byTable[table], nil
		}
	}

	return nil, lazyerrors.Errorf("no design for entity type %s", t)
}
