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

package state

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider(t *testing.T) {
	t.Parallel()

	filename := filepath.Join(t.TempDir(), "state.json")

	p1, err := NewProvider(filename)
	require.NoError(t, err)

	s1, err := p1.Get()
	require.NoError(t, err)
	require.NotEmpty(t, s1.UUID)
	_, err = uuid.Parse(s1.UUID)
	require.NoError(t, err)

	err = p1.Update(func(s *State) { s.BackendVersion = "3.41.0" })
	require.NoError(t, err)

	// a different provider for the same file sees the same state
	p2, err := NewProvider(filename)
	require.NoError(t, err)

	s2, err := p2.Get()
	require.NoError(t, err)
	assert.Equal(t, s1.UUID, s2.UUID)
	assert.Equal(t, "3.41.0", s2.BackendVersion)

	// returned copies are independent
	s2.BackendVersion = "changed"
	s3, err := p2.Get()
	require.NoError(t, err)
	assert.Equal(t, "3.41.0", s3.BackendVersion)
}
