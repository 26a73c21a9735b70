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

// Package state stores papyrus process state.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/papyrusdb/papyrus/internal/util/must"
)

// State represents papyrus process state.
//
// Number of fields should be kept to a minimum.
type State struct {
	UUID           string `json:"uuid"`
	BackendName    string `json:"backendName,omitempty"`
	BackendVersion string `json:"backendVersion,omitempty"`
}

// deepCopy returns a deep copy.
func (s *State) deepCopy() *State {
	if s == nil {
		return nil
	}

	c := *s

	return &c
}

// Provider provides access to papyrus process state.
//
// It is okay to have multiple Providers for the same file for a short period of time.
type Provider struct {
	filename string

	rw sync.RWMutex
	s  *State
}

// NewProvider creates a new Provider that stores state in the given file.
func NewProvider(filename string) (*Provider, error) {
	p := &Provider{
		filename: filename,
	}

	if _, err := p.Get(); err != nil {
		return nil, err
	}

	return p, nil
}

// NewProviderDir creates a new Provider that stores state in a file
// with default name in the given directory.
func NewProviderDir(dir string) (*Provider, error) {
	return NewProvider(filepath.Join(dir, "state.json"))
}

// Get returns a copy of the current process state.
//
// It is okay to call this function often.
// The caller should not cache the result.
func (p *Provider) Get() (*State, error) {
	p.rw.RLock()
	s := p.s.deepCopy()
	p.rw.RUnlock()

	if s != nil {
		return s, nil
	}

	p.rw.Lock()
	defer p.rw.Unlock()

	// a concurrent call might have loaded the state already
	if p.s != nil {
		return p.s.deepCopy(), nil
	}

	s = new(State)
	b, _ := os.ReadFile(p.filename)
	_ = json.Unmarshal(b, s)

	// all errors (missing file, invalid permissions, invalid JSON, etc)
	// are handled in the same way - by regenerating the state
	if _, err := uuid.Parse(s.UUID); err != nil {
		s = &State{
			UUID: must.NotFail(uuid.NewRandom()).String(),
		}

		if err := p.write(s); err != nil {
			return nil, err
		}
	}

	p.s = s

	return p.s.deepCopy(), nil
}

// Update updates the process state with the given function and persists it.
func (p *Provider) Update(update func(s *State)) error {
	p.rw.Lock()
	defer p.rw.Unlock()

	if p.s == nil {
		p.s = &State{
			UUID: must.NotFail(uuid.NewRandom()).String(),
		}
	}

	update(p.s)

	return p.write(p.s)
}

// write persists the given state to the file.
//
// The caller must hold p.rw.
func (p *Provider) write(s *State) error {
	b := must.NotFail(json.Marshal(s))

	if err := os.MkdirAll(filepath.Dir(p.filename), 0o777); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := os.WriteFile(p.filename, b, 0o666); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}
