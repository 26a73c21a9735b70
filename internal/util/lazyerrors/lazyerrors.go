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

// Package lazyerrors provides error wrapping that records the wrapping call site.
package lazyerrors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// withLocation wraps an error with the program counter of the wrapping call site.
type withLocation struct {
	error
	pc uintptr
}

// Error implements error interface.
func (e withLocation) Error() string {
	if e.pc == 0 {
		return e.error.Error()
	}

	frames := runtime.CallersFrames([]uintptr{e.pc})
	f, _ := frames.Next()

	if f.File == "" {
		return "[unknown] " + e.error.Error()
	}

	_, file := filepath.Split(f.File)
	l := file + ":" + strconv.Itoa(f.Line)

	if f.Function != "" {
		i := strings.LastIndex(f.Function, "/")
		l += " " + f.Function[i+1:]
	}

	return fmt.Sprintf("[%s] %s", l, e.error)
}

// Unwrap returns the wrapped error.
func (e withLocation) Unwrap() error {
	return e.error
}

// pc returns the program counter of the caller of New / Error / Errorf.
func pc() uintptr {
	pcs := make([]uintptr, 1)
	if runtime.Callers(3, pcs) != 1 {
		return 0
	}

	return pcs[0]
}

// New returns a new error based on s, enriched with the caller location.
func New(s string) error {
	return withLocation{
		error: errors.New(s),
		pc:    pc(),
	}
}

// Error returns a new error based on err and ensures err is not nil.
func Error(err error) error {
	if err == nil {
		panic("err is nil")
	}

	return withLocation{
		error: err,
		pc:    pc(),
	}
}

// Errorf returns a formatted error enriched with the caller location.
func Errorf(format string, a ...any) error {
	return withLocation{
		error: fmt.Errorf(format, a...),
		pc:    pc(),
	}
}

// UnwrapAll returns the last error in the chain, or nil if err is nil.
func UnwrapAll(err error) error {
	if err == nil {
		return nil
	}

	for {
		e := errors.Unwrap(err)
		if e == nil {
			return err
		}

		err = e
	}
}
