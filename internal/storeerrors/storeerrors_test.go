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

package storeerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeIs(t *testing.T) {
	t.Parallel()

	err := NewErrorf(ErrorCodeConcurrencyConflict, "expected %d rows, got %d", 2, 1)

	assert.True(t, ErrorCodeIs(err, ErrorCodeConcurrencyConflict))
	assert.False(t, ErrorCodeIs(err, ErrorCodeSessionPoisoned))
	assert.True(t, ErrorCodeIs(err, ErrorCodeSessionPoisoned, ErrorCodeConcurrencyConflict))

	wrapped := fmt.Errorf("save failed: %w", err)
	assert.True(t, ErrorCodeIs(wrapped, ErrorCodeConcurrencyConflict))

	var e *Error
	assert.True(t, errors.As(wrapped, &e))
	assert.Equal(t, ErrorCodeConcurrencyConflict, e.Code())

	assert.False(t, ErrorCodeIs(errors.New("plain"), ErrorCodeConcurrencyConflict))
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := NewError(ErrorCodeOversizedCommand, errors.New("17 parameters"))
	assert.Contains(t, err.Error(), "OversizedCommand")
	assert.Contains(t, err.Error(), "17 parameters")
}
