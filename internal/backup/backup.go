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

// Package backup preserves pre-migration document payloads.
package backup

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/papyrusdb/papyrus/internal/util/lazyerrors"
)

// Writer stores pre-migration payloads under opaque keys.
//
// Write is idempotent: writing the same key twice with identical
// bytes succeeds silently.
type Writer interface {
	Write(key string, payload []byte) error
}

// Key derives the backup key for one document payload.
func Key(table, id string, version int) string {
	return fmt.Sprintf("%s/%s.v%d", table, id, version)
}

// FileWriter implements Writer on a directory tree.
type FileWriter struct {
	dir string
}

// NewFileWriter creates a FileWriter rooted at the given directory.
func NewFileWriter(dir string) *FileWriter {
	return &FileWriter{dir: dir}
}

// Write implements Writer.
//
// A key that already exists with different content is an error;
// backups are never overwritten.
func (w *FileWriter) Write(key string, payload []byte) error {
	if strings.Contains(key, "..") {
		return lazyerrors.Errorf("invalid backup key %q", key)
	}

	filename := filepath.Join(w.dir, filepath.FromSlash(key))

	if existing, err := os.ReadFile(filename); err == nil {
		if bytes.Equal(existing, payload) {
			return nil
		}

		return lazyerrors.Errorf("backup %q already exists with different content", key)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0o777); err != nil {
		return lazyerrors.Error(err)
	}

	if err := os.WriteFile(filename, payload, 0o666); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// check interfaces
var (
	_ Writer = (*FileWriter)(nil)
)
