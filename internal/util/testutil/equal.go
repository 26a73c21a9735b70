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

package testutil

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertEqualPayloads asserts that two serialized document payloads are equal,
// producing a readable diff otherwise.
func AssertEqualPayloads(tb testing.TB, expected, actual []byte) bool {
	tb.Helper()

	if bytes.Equal(expected, actual) {
		return true
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(expected)),
		FromFile: "expected",
		B:        difflib.SplitLines(string(actual)),
		ToFile:   "actual",
		Context:  1,
	})
	require.NoError(tb, err)

	msg := fmt.Sprintf("Not equal:\nexpected: %s\nactual  : %s\n%s", expected, actual, diff)

	return assert.Fail(tb, msg)
}
