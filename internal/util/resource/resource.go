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

// Package resource provides utilities for tracking resource lifetimes.
//
// Tracked objects appear in a pprof profile named after their type;
// a tracked object that becomes garbage before Untrack is called
// panics the process in debug builds.
package resource

import (
	"fmt"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/papyrusdb/papyrus/internal/util/debugbuild"
)

// Token is a pointer field of a tracked object.
//
// It exists apart from the object itself so that the pprof profile
// does not keep the object reachable.
type Token struct {
	stack []byte
}

// NewToken returns a new Token.
func NewToken() *Token {
	return &Token{
		stack: debugbuild.Stack(),
	}
}

// profilesM serializes profile creation.
var profilesM sync.Mutex

// profileName returns the pprof profile name for the given object.
func profileName(obj any) string {
	return fmt.Sprintf("papyrus/%T", obj)
}

// Track tracks the lifetime of obj until Untrack is called on it.
//
// Token must be a field of obj.
func Track(obj any, token *Token) {
	if obj == nil || token == nil {
		panic("obj and token must not be nil")
	}

	name := profileName(obj)

	p := pprof.Lookup(name)
	if p == nil {
		profilesM.Lock()

		// a concurrent call might have created the profile already
		if p = pprof.Lookup(name); p == nil {
			p = pprof.NewProfile(name)
		}

		profilesM.Unlock()
	}

	p.Add(token, 1)

	if debugbuild.Enabled {
		msg := fmt.Sprintf("%T has not been finalized", obj)
		if token.stack != nil {
			msg += "\nObject created by " + string(token.stack)
		}

		runtime.SetFinalizer(token, func(*Token) {
			panic(msg)
		})
	}
}

// Untrack stops tracking the lifetime of obj.
func Untrack(obj any, token *Token) {
	if obj == nil || token == nil {
		panic("obj and token must not be nil")
	}

	p := pprof.Lookup(profileName(obj))
	if p == nil {
		panic("object is not tracked")
	}

	p.Remove(token)

	if debugbuild.Enabled {
		runtime.SetFinalizer(token, nil)
	}
}
