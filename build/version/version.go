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

// Package version provides information about Papyrus version and build configuration.
package version

import (
	"runtime"
	"runtime/debug"
	"strconv"

	"github.com/papyrusdb/papyrus/internal/util/debugbuild"
)

// Info provides details about the current build.
//
//nolint:vet // for readability
type Info struct {
	Version          string
	Commit           string
	Dirty            bool
	DebugBuild       bool
	BuildEnvironment map[string]string
}

// info singleton instance set by init().
var info *Info

// unknown is a placeholder for unknown version and commit values.
const unknown = "unknown"

// Get returns current build's info.
//
// It returns a shared instance without any synchronization.
// Callers must not modify it.
func Get() *Info {
	return info
}

func init() {
	info = &Info{
		Version:    unknown,
		Commit:     unknown,
		DebugBuild: debugbuild.Enabled,
		BuildEnvironment: map[string]string{
			"compiler": runtime.Compiler,
		},
	}

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" {
		info.Version = buildInfo.Main.Version
	}

	for _, s := range buildInfo.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.modified":
			info.Dirty, _ = strconv.ParseBool(s.Value)
		default:
			info.BuildEnvironment[s.Key] = s.Value
		}
	}
}
