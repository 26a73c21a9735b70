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

import "fmt"

// TableMode selects how logical table names map to physical ones.
//
// The mapping is purely cosmetic: isolated modes prefix names so that
// test and production tables can coexist without structural differences.
type TableMode int

// Table modes.
const (
	// TableModeProduction passes names through unprefixed.
	TableModeProduction TableMode = iota

	// TableModeIsolated prefixes names with "#".
	TableModeIsolated

	// TableModeSharedIsolated prefixes names with "##".
	TableModeSharedIsolated
)

// String implements fmt.Stringer.
func (m TableMode) String() string {
	switch m {
	case TableModeProduction:
		return "production"
	case TableModeIsolated:
		return "isolated"
	case TableModeSharedIsolated:
		return "shared-isolated"
	default:
		return fmt.Sprintf("TableMode(%d)", int(m))
	}
}

// ParseTableMode returns the table mode with the given name.
func ParseTableMode(s string) (TableMode, error) {
	for _, m := range []TableMode{TableModeProduction, TableModeIsolated, TableModeSharedIsolated} {
		if m.String() == s {
			return m, nil
		}
	}

	return 0, fmt.Errorf("unknown table mode %q", s)
}

// Resolve returns the physical table name for the given logical name.
//
// It is a pure function, safe for concurrent use.
func (m TableMode) Resolve(table string) string {
	switch m {
	case TableModeProduction:
		return table
	case TableModeIsolated:
		return "#" + table
	case TableModeSharedIsolated:
		return "##" + table
	default:
		panic(fmt.Sprintf("unknown table mode %d", m))
	}
}
