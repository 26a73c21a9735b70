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

// Package command compiles logical write intents into SQL statements.
package command

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/papyrusdb/papyrus/internal/design"
	"github.com/papyrusdb/papyrus/internal/util/lazyerrors"
)

// Kind is the kind of a logical write command.
type Kind int

// Command kinds.
const (
	_ Kind = iota
	KindInsert
	KindUpdate
	KindDelete
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Command is one logical write intent against one document row.
type Command struct {
	Kind  Kind
	Table string // physical table name
	ID    string

	// Etag is the expected concurrency token for updates and deletes.
	// It is ignored when LastWriteWins is set.
	Etag uuid.UUID

	// Payload fields, used by inserts and updates.
	Discriminator string
	Document      []byte
	Version       int

	// Projected column values in the design's declaration order.
	Projections []design.Projection
	Projected   []any

	// LastWriteWins matches rows by id only, ignoring the stored etag.
	LastWriteWins bool
}

// Prepared is a compiled statement fragment ready for execution.
type Prepared struct {
	SQL          string
	Args         []any
	ExpectedRows int64
}

// ParamCount returns the number of bound parameters.
func (p *Prepared) ParamCount() int {
	return len(p.Args)
}

// Compile compiles the command into a statement stamping newEtag on the row.
//
// Every compiled statement expects to affect exactly one row;
// the caller turns a shortfall into a concurrency failure.
func Compile(cmd *Command, newEtag uuid.UUID) (*Prepared, error) {
	if cmd.ID == "" {
		return nil, lazyerrors.New("command has no document id")
	}

	if cmd.Table == "" {
		return nil, lazyerrors.New("command has no table")
	}

	switch cmd.Kind {
	case KindInsert:
		return compileInsert(cmd, newEtag), nil
	case KindUpdate:
		return compileUpdate(cmd, newEtag), nil
	case KindDelete:
		return compileDelete(cmd), nil
	default:
		return nil, lazyerrors.Errorf("unknown command kind %d", cmd.Kind)
	}
}

// compileInsert compiles an insert of a new document row.
func compileInsert(cmd *Command, newEtag uuid.UUID) *Prepared {
	cols := fmt.Sprintf(
		"%q, %q, %q, %q, %q",
		design.IDColumn, design.EtagColumn, design.TypeColumn, design.DocumentColumn, design.VersionColumn,
	)
	placeholders := "?, ?, ?, ?, ?"
	args := []any{cmd.ID, newEtag.String(), cmd.Discriminator, cmd.Document, cmd.Version}

	for i, p := range cmd.Projections {
		cols += fmt.Sprintf(", %q", p.Name)
		placeholders += ", ?"
		args = append(args, cmd.Projected[i])
	}

	return &Prepared{
		SQL:          fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)", cmd.Table, cols, placeholders),
		Args:         args,
		ExpectedRows: 1,
	}
}

// compileUpdate compiles an update of an existing document row.
//
// The WHERE clause matches the stored etag unless last-write-wins is requested;
// a missing row is detected either way through the expected row count.
func compileUpdate(cmd *Command, newEtag uuid.UUID) *Prepared {
	set := fmt.Sprintf(
		"%q = ?, %q = ?, %q = ?, %q = ?",
		design.EtagColumn, design.TypeColumn, design.DocumentColumn, design.VersionColumn,
	)
	args := []any{newEtag.String(), cmd.Discriminator, cmd.Document, cmd.Version}

	for i, p := range cmd.Projections {
		set += fmt.Sprintf(", %q = ?", p.Name)
		args = append(args, cmd.Projected[i])
	}

	sql := fmt.Sprintf("UPDATE %q SET %s WHERE %q = ?", cmd.Table, set, design.IDColumn)
	args = append(args, cmd.ID)

	if !cmd.LastWriteWins {
		sql += fmt.Sprintf(" AND %q = ?", design.EtagColumn)
		args = append(args, cmd.Etag.String())
	}

	return &Prepared{
		SQL:          sql,
		Args:         args,
		ExpectedRows: 1,
	}
}

// compileDelete compiles a delete of an existing document row.
func compileDelete(cmd *Command) *Prepared {
	sql := fmt.Sprintf("DELETE FROM %q WHERE %q = ?", cmd.Table, design.IDColumn)
	args := []any{cmd.ID}

	if !cmd.LastWriteWins {
		sql += fmt.Sprintf(" AND %q = ?", design.EtagColumn)
		args = append(args, cmd.Etag.String())
	}

	return &Prepared{
		SQL:          sql,
		Args:         args,
		ExpectedRows: 1,
	}
}
