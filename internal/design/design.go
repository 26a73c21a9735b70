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

// Package design describes how entity types map to tables.
//
// A Design declares the logical schema for one entity family:
// the table name, the projected columns extracted from documents
// for querying, and the discriminator registry that maps stored
// type tags to concrete entity codecs.
//
// Designs are built during store configuration and must not be
// modified after the store is constructed.
package design

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/papyrusdb/papyrus/internal/util/lazyerrors"
)

// Reserved column names of every document table.
const (
	// IDColumn is the unique document identifier.
	IDColumn = "_id"

	// EtagColumn holds the concurrency token stamped on the last write.
	EtagColumn = "_etag"

	// TypeColumn holds the discriminator of the stored concrete type.
	TypeColumn = "_type"

	// DocumentColumn holds the serialized document payload.
	DocumentColumn = "_document"

	// VersionColumn holds the document migration version of the payload.
	VersionColumn = "_version"
)

// reservedColumnPrefix is not allowed in projection names.
const reservedColumnPrefix = "_"

// Entity is implemented by all stored document types.
type Entity interface {
	DocumentID() string
}

// Factory creates a new empty entity of one concrete type.
type Factory func() Entity

// codec decodes and encodes one concrete entity type.
type codec struct {
	factory Factory
	typ     reflect.Type
}

// Column describes one physical column of a document table.
type Column struct {
	Name    string
	SQLType string
}

// Projection declares a scalar value extracted from an entity
// into its own column for filtering and ordering.
type Projection struct {
	Name    string
	SQLType string
	Extract func(e Entity) (any, error)
}

// Design is the logical schema for one entity family sharing a table.
type Design struct {
	table       string
	projections []Projection
	codecs      map[string]*codec // discriminator -> codec
	types       map[reflect.Type]string
	order       []string // discriminators in registration order
}

// New creates a new Design for the given logical table name.
func New(table string) *Design {
	if table == "" || strings.HasPrefix(table, reservedColumnPrefix) {
		panic(fmt.Sprintf("invalid table name %q", table))
	}

	return &Design{
		table:  table,
		codecs: map[string]*codec{},
		types:  map[reflect.Type]string{},
	}
}

// Table returns the logical table name.
func (d *Design) Table() string {
	return d.table
}

// Register adds a concrete entity type under the given discriminator.
//
// The factory must return a new empty instance on every call.
func (d *Design) Register(discriminator string, factory Factory) *Design {
	if discriminator == "" {
		panic("discriminator must not be empty")
	}

	if _, dup := d.codecs[discriminator]; dup {
		panic(fmt.Sprintf("discriminator %q is already registered for table %q", discriminator, d.table))
	}

	t := reflect.TypeOf(factory())
	if _, dup := d.types[t]; dup {
		panic(fmt.Sprintf("type %s is already registered for table %q", t, d.table))
	}

	d.codecs[discriminator] = &codec{
		factory: factory,
		typ:     t,
	}
	d.types[t] = discriminator
	d.order = append(d.order, discriminator)

	return d
}

// Project adds a projected column.
func (d *Design) Project(name, sqlType string, extract func(e Entity) (any, error)) *Design {
	if name == "" || strings.HasPrefix(name, reservedColumnPrefix) {
		panic(fmt.Sprintf("invalid projection name %q", name))
	}

	for _, p := range d.projections {
		if p.Name == name {
			panic(fmt.Sprintf("projection %q is already declared for table %q", name, d.table))
		}
	}

	d.projections = append(d.projections, Projection{
		Name:    name,
		SQLType: sqlType,
		Extract: extract,
	})

	return d
}

// Projections returns the declared projections in declaration order.
func (d *Design) Projections() []Projection {
	return d.projections
}

// Columns returns all physical columns of the document table:
// the reserved columns first, then projections in declaration order.
func (d *Design) Columns() []Column {
	res := []Column{
		{Name: IDColumn, SQLType: "TEXT"},
		{Name: EtagColumn, SQLType: "TEXT"},
		{Name: TypeColumn, SQLType: "TEXT"},
		{Name: DocumentColumn, SQLType: "BLOB"},
		{Name: VersionColumn, SQLType: "INTEGER"},
	}

	for _, p := range d.projections {
		res = append(res, Column{Name: p.Name, SQLType: p.SQLType})
	}

	return res
}

// Discriminator returns the discriminator registered for the entity's concrete type.
func (d *Design) Discriminator(e Entity) (string, error) {
	disc, ok := d.types[reflect.TypeOf(e)]
	if !ok {
		return "", lazyerrors.Errorf("type %T is not registered for table %q", e, d.table)
	}

	return disc, nil
}

// Covers reports whether the design has a registered concrete type
// assignable to the given type.
func (d *Design) Covers(t reflect.Type) bool {
	for _, disc := range d.order {
		ct := d.codecs[disc].typ

		if ct == t {
			return true
		}

		if t.Kind() == reflect.Interface && ct.Implements(t) {
			return true
		}
	}

	return false
}

// Encode serializes the entity and returns its discriminator and payload.
func (d *Design) Encode(e Entity) (string, []byte, error) {
	disc, err := d.Discriminator(e)
	if err != nil {
		return "", nil, lazyerrors.Error(err)
	}

	b, err := json.Marshal(e)
	if err != nil {
		return "", nil, lazyerrors.Error(err)
	}

	return disc, b, nil
}

// Decode deserializes a payload stored under the given discriminator.
func (d *Design) Decode(discriminator string, payload []byte) (Entity, error) {
	c, ok := d.codecs[discriminator]
	if !ok {
		return nil, lazyerrors.Errorf("discriminator %q is not registered for table %q", discriminator, d.table)
	}

	e := c.factory()
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return e, nil
}

// ProjectedValues extracts all projected column values from the entity.
//
// A failing extractor is reported with the column name.
func (d *Design) ProjectedValues(e Entity) ([]any, error) {
	res := make([]any, len(d.projections))

	for i, p := range d.projections {
		v, err := p.Extract(e)
		if err != nil {
			return nil, lazyerrors.Errorf("projection %q of table %q: %w", p.Name, d.table, err)
		}

		res[i] = v
	}

	return res, nil
}
