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

package executor

import (
	"github.com/papyrusdb/papyrus/internal/util/lazyerrors"
)

// Fragments is the output of a predicate compiler: SQL fragments and
// named parameter bindings ready for the windowed read path.
type Fragments struct {
	Select  string // reserved for projection reads; document queries ignore it
	Where   string
	OrderBy string

	Parameters map[string]any
}

// PredicateCompiler translates typed filter/order/select expressions
// into SQL fragments.
//
// The store never parses expression syntax itself.
type PredicateCompiler interface {
	Compile(expr any) (*Fragments, error)
}

// RawPredicateCompiler is a pass-through PredicateCompiler accepting
// *Fragments expressions verbatim.
//
// It is the default compiler; callers with a typed expression language
// plug in their own.
type RawPredicateCompiler struct{}

// Compile implements PredicateCompiler.
func (RawPredicateCompiler) Compile(expr any) (*Fragments, error) {
	if expr == nil {
		return new(Fragments), nil
	}

	f, ok := expr.(*Fragments)
	if !ok {
		return nil, lazyerrors.Errorf("raw predicate compiler expects *executor.Fragments, got %T", expr)
	}

	return f, nil
}

// check interfaces
var (
	_ PredicateCompiler = RawPredicateCompiler{}
)
