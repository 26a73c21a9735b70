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
	"regexp"
	"strings"
	"testing"
)

// unsafeCharacters are characters that are unsafe in file and database names.
var unsafeCharacters = regexp.MustCompile(`[^a-z0-9_]`)

// directoryName returns a safe lowercase name derived from the test name.
func directoryName(tb testing.TB) string {
	name := strings.ToLower(tb.Name())
	return unsafeCharacters.ReplaceAllString(name, "_")
}
