// Copyright 2025 Kadir Pekel
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

// Command sidekick runs the agent session core headlessly.
//
// Usage:
//
//	sidekick serve --config config.yaml
//	sidekick stdio --provider openai --model gpt-5
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/sidekick/pkg/config"
	"github.com/kadirpekel/sidekick/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP control plane."`
	Stdio   StdioCmd   `cmd:"" help:"Run the stdin/stdout RPC surface."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("sidekick version %s\n", buildVersion())
	return nil
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// loadConfig layers .env, the config file, and CLI log overrides, then
// installs the logger.
func loadConfig(cli *CLI, forceLogFile bool) (*config.Config, *config.Loader, func(), error) {
	config.LoadDotEnv()

	loader := config.NewLoader(config.LoaderOptions{Path: cli.Config})
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		cfg.Log.File = cli.LogFile
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	// stdio mode owns stdout and stderr would corrupt piping setups
	// that merge streams, so default to a file
	if forceLogFile && cfg.Log.File == "" {
		cfg.Log.File = "sidekick.log"
	}

	output := os.Stderr
	cleanup := func() {}
	if cfg.Log.File != "" {
		file, closeFile, err := logger.OpenLogFile(cfg.Log.File)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFile
	}
	logger.Init(logger.ParseLevel(cfg.Log.Level), output, cfg.Log.Format)
	return cfg, loader, cleanup, nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("sidekick"),
		kong.Description("Headless agent session core: tree-structured sessions, turn scheduling, and an RPC/SSE control plane."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
