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

// Papyrus database inspection tool.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/papyrusdb/papyrus/build/version"
	"github.com/papyrusdb/papyrus/internal/design"
	"github.com/papyrusdb/papyrus/internal/store"
	"github.com/papyrusdb/papyrus/internal/util/debug"
	"github.com/papyrusdb/papyrus/internal/util/debugbuild"
	"github.com/papyrusdb/papyrus/internal/util/logging"
	"github.com/papyrusdb/papyrus/internal/util/observability"
	"github.com/papyrusdb/papyrus/internal/util/state"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
var cli struct {
	Version  kong.VersionFlag `help:"Print version to stdout and exit." env:"-"`
	DB       string           `default:"data/papyrus.sqlite" help:"SQLite database file path." name:"db"`
	Mode     string `default:"production"          help:"${help_mode}" enum:"${enum_mode}"`
	StateDir string `default:"."                   help:"Process state directory."`

	DebugAddr    string `default:"" help:"Listen address for HTTP handlers for metrics, pprof, etc."`
	OtelEndpoint string `default:"" help:"OTLP/HTTP traces endpoint; empty disables tracing."`

	Log struct {
		Level string `default:"${default_log_level}" help:"${help_log_level}"`
		UUID  bool   `default:"false"                help:"Add instance UUID to all log messages." negatable:""`
	} `embed:"" prefix:"log-"`

	Schema struct{} `cmd:"" help:"Print the physical schema and pending schema commands."`
	Stats  struct{} `cmd:"" help:"Print per-table document counts."`
}

// Additional variables for the kong parsers.
var (
	logLevels = []string{
		zap.DebugLevel.String(),
		zap.InfoLevel.String(),
		zap.WarnLevel.String(),
		zap.ErrorLevel.String(),
	}

	tableModes = []string{
		design.TableModeProduction.String(),
		design.TableModeIsolated.String(),
		design.TableModeSharedIsolated.String(),
	}

	kongOptions = []kong.Option{
		kong.Vars{
			"default_log_level": defaultLogLevel().String(),

			"enum_mode": strings.Join(tableModes, ","),

			"help_log_level": fmt.Sprintf("Log level: '%s'.", strings.Join(logLevels, "', '")),
			"help_mode":      fmt.Sprintf("Table mode: '%s'.", strings.Join(tableModes, "', '")),
		},
		kong.Vars{
			"version": fmt.Sprintf(
				"version: %s\ncommit: %s\ndirty: %t\ndebugBuild: %t",
				version.Get().Version, version.Get().Commit, version.Get().Dirty, version.Get().DebugBuild,
			),
		},
		kong.DefaultEnvars("PAPYRUS"),
	}
)

func main() {
	kctx := kong.Parse(&cli, kongOptions...)

	run(kctx.Command())
}

// defaultLogLevel returns the default log level.
func defaultLogLevel() zapcore.Level {
	if version.Get().DebugBuild {
		return zap.DebugLevel
	}

	return zap.InfoLevel
}

// setupState setups state provider.
func setupState() *state.Provider {
	f, err := filepath.Abs(filepath.Join(cli.StateDir, "state.json"))
	if err != nil {
		log.Fatalf("Failed to get path for state file: %s.", err)
	}

	sp, err := state.NewProvider(f)
	if err != nil {
		log.Fatalf("Failed to create state provider: %s.", err)
	}

	return sp
}

// setupLogger setups zap logger.
func setupLogger(sp *state.Provider) *zap.Logger {
	info := version.Get()

	st, err := sp.Get()
	if err != nil {
		log.Fatalf("Failed to read state: %s.", err)
	}

	logUUID := st.UUID
	startupFields := []zap.Field{
		zap.String("version", info.Version),
		zap.String("commit", info.Commit),
		zap.Bool("dirty", info.Dirty),
		zap.Bool("debugBuild", info.DebugBuild),
	}

	// unless requested, don't add UUID to all messages, but log it once at startup
	if !cli.Log.UUID {
		startupFields = append(startupFields, zap.String("uuid", logUUID))
		logUUID = ""
	}

	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		log.Fatal(err)
	}

	logging.Setup(level, logUUID)
	l := zap.L()

	l.Info("Starting Papyrus "+info.Version+"...", startupFields...)

	if debugbuild.Enabled {
		l.Info("This is debug build. The performance will be affected.")
	}

	return l
}

// run sets up environment based on provided flags and executes the command.
func run(command string) {
	// to increase a chance of resource finalizers to spot problems
	if debugbuild.Enabled {
		defer func() {
			runtime.GC()
			runtime.GC()
		}()
	}

	sp := setupState()
	l := setupLogger(sp)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cli.OtelEndpoint != "" {
		shutdown, err := observability.SetupOtel("papyrus", cli.OtelEndpoint)
		if err != nil {
			l.Sugar().Fatalf("Failed to set up OpenTelemetry: %s.", err)
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			if err := shutdown(shutdownCtx); err != nil {
				l.Warn("Failed to shut down OpenTelemetry", zap.Error(err))
			}
		}()
	}

	mode, err := design.ParseTableMode(cli.Mode)
	if err != nil {
		l.Sugar().Fatalf("Failed to parse table mode: %s.", err)
	}

	s, err := store.New(ctx, &store.Config{
		Path:          cli.DB,
		Logger:        l,
		Registry:      design.NewRegistry(),
		Mode:          mode,
		DisableBackup: true, // inspection only, nothing is migrated
		StateProvider: sp,
	})
	if err != nil {
		l.Sugar().Fatalf("Failed to open store: %s.", err)
	}

	defer func() {
		if err := s.Close(); err != nil {
			l.Warn("Failed to close store", zap.Error(err))
		}
	}()

	prometheus.DefaultRegisterer.MustRegister(s)

	if cli.DebugAddr != "" {
		go debug.RunHandler(ctx, cli.DebugAddr, prometheus.DefaultRegisterer, l.Named("debug"))
	}

	switch command {
	case "schema":
		err = printSchema(ctx, s)
	case "stats":
		err = printStats(ctx, s)
	default:
		err = fmt.Errorf("unknown command %q", command)
	}

	if err != nil {
		l.Sugar().Fatalf("Command failed: %s.", err)
	}
}

// printSchema writes the physical schema and pending schema commands
// to stdout as YAML.
func printSchema(ctx context.Context, s *store.Store) error {
	physical, err := s.Schema(ctx)
	if err != nil {
		return err
	}

	commands, err := s.PlanSchema(ctx)
	if err != nil {
		return err
	}

	pending := make([]string, len(commands))
	for i, c := range commands {
		pending[i] = c.DDL
	}

	out := struct {
		Tables  map[string][]string `yaml:"tables"`
		Pending []string            `yaml:"pending,omitempty"`
	}{
		Tables:  physical,
		Pending: pending,
	}

	return yaml.NewEncoder(os.Stdout).Encode(out)
}

// printStats writes per-table document counts to stdout as YAML.
func printStats(ctx context.Context, s *store.Store) error {
	physical, err := s.Schema(ctx)
	if err != nil {
		return err
	}

	counts := make(map[string]int, len(physical))

	for table := range physical {
		var n int
		q := fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)

		if err := s.DB().QueryRowContext(ctx, q).Scan(&n); err != nil {
			return err
		}

		counts[table] = n
	}

	return yaml.NewEncoder(os.Stdout).Encode(struct {
		Documents map[string]int `yaml:"documents"`
	}{
		Documents: counts,
	})
}
