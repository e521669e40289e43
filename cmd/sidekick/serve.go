package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/sidekick/pkg/agent"
	"github.com/kadirpekel/sidekick/pkg/config"
	"github.com/kadirpekel/sidekick/pkg/extension"
	"github.com/kadirpekel/sidekick/pkg/extension/pluginhost"
	"github.com/kadirpekel/sidekick/pkg/llms"
	"github.com/kadirpekel/sidekick/pkg/server"
	"github.com/kadirpekel/sidekick/pkg/tool"
	"github.com/kadirpekel/sidekick/pkg/tool/commandtool"
	"github.com/kadirpekel/sidekick/pkg/tool/filetool"
	"github.com/kadirpekel/sidekick/pkg/tool/mcptoolset"
	"github.com/kadirpekel/sidekick/pkg/tool/searchtool"
)

// ServeCmd starts the HTTP control plane.
type ServeCmd struct {
	Host  string `help:"Bind address." default:""`
	Port  int    `help:"Port to listen on." default:"0"`
	Watch bool   `help:"Watch the config file for changes."`

	Provider string `help:"LLM provider (anthropic, openai)."`
	Model    string `help:"Model name."`
	APIKey   string `name:"api-key" help:"API key (defaults to environment variable)."`
	Resume   bool   `help:"Resume the most recent session."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, loader, cleanup, err := loadConfig(cli, false)
	if err != nil {
		return err
	}
	defer cleanup()
	c.applyFlags(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, host, closeAll, err := buildServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAll()
	defer func() {
		if host != nil {
			host.Shutdown()
		}
	}()

	if cli.Config != "" && c.Watch {
		watchLoader := config.NewLoader(config.LoaderOptions{
			Path:  cli.Config,
			Watch: true,
			OnChange: func(next *config.Config) error {
				// settings that take effect without a restart
				s.Agent().SetAutoCompact(next.Agent.AutoCompact)
				s.Agent().SetAutoRetry(next.Agent.AutoRetry)
				slog.Info("configuration reloaded")
				return nil
			},
		})
		if _, err := watchLoader.Load(); err != nil {
			return err
		}
		if err := watchLoader.Watch(); err != nil {
			return err
		}
		defer watchLoader.Stop()
	}
	_ = loader

	return s.ListenAndServe(ctx)
}

func (c *ServeCmd) applyFlags(cfg *config.Config) {
	if c.Host != "" {
		cfg.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}
	if c.Provider != "" {
		cfg.Provider = c.Provider
	}
	if c.Model != "" {
		cfg.Model = c.Model
	}
	if c.APIKey != "" {
		cfg.APIKey = c.APIKey
	}
	if c.Resume {
		cfg.Resume = true
	}
}

// buildServer assembles the provider, tool registry, extension bus, and
// session store behind a server.
func buildServer(ctx context.Context, cfg *config.Config) (*server.Server, *pluginhost.Host, func(), error) {
	provider, err := llms.NewProvider(cfg.Provider, cfg.Model, cfg.APIKey)
	if err != nil {
		return nil, nil, nil, err
	}

	registry := tool.NewRegistry()
	var closers []func()
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}

	fileTools, err := filetool.All(filetool.Config{WorkingDirectory: cfg.WorkingDirectory})
	if err != nil {
		return nil, nil, nil, err
	}
	searchTools, err := searchtool.All(searchtool.Config{WorkingDirectory: cfg.WorkingDirectory})
	if err != nil {
		return nil, nil, nil, err
	}
	for _, t := range append(fileTools, searchTools...) {
		registry.RegisterBuiltin(t)
	}
	registry.RegisterBuiltin(commandtool.New(commandtool.Config{WorkingDirectory: cfg.WorkingDirectory}))

	for _, mcp := range cfg.MCPServers {
		toolset, err := mcptoolset.New(mcptoolset.Config{
			Name:      mcp.Name,
			Transport: mcp.Transport,
			Command:   mcp.Command,
			Args:      mcp.Args,
			Env:       mcp.Env,
			URL:       mcp.URL,
			Filter:    mcp.Filter,
		})
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("mcp server %s: %w", mcp.Name, err)
		}
		closers = append(closers, func() { _ = toolset.Close() })

		tools, err := toolset.Tools(ctx)
		if err != nil {
			slog.Warn("mcp server unavailable, skipping", "name", mcp.Name, "error", err)
			continue
		}
		for _, t := range tools {
			registry.Register(t)
		}
	}

	bus := extension.NewBus()
	var host *pluginhost.Host
	if cfg.Extensions.Dir != "" {
		host = pluginhost.NewHost()
		manifests, err := pluginhost.Discover(cfg.Extensions.Dir)
		if err != nil {
			slog.Warn("extension discovery failed", "dir", cfg.Extensions.Dir, "error", err)
		}
		for _, m := range manifests {
			ext, err := host.Load(ctx, m)
			if err != nil {
				slog.Warn("failed to load extension", "name", m.Name, "error", err)
				continue
			}
			bus.Attach(ext)
			for _, t := range ext.Tools {
				registry.Register(t)
			}
			slog.Info("extension loaded", "name", m.Name, "version", m.Version)
		}
	}

	s, err := server.New(server.Options{
		Host:         cfg.Host,
		Port:         cfg.Port,
		SessionDir:   cfg.SessionDir,
		Resume:       cfg.Resume,
		Provider:     provider,
		SystemPrompt: cfg.SystemPrompt,
		AgentConfig: agent.Config{
			MaxRetries:       cfg.Agent.MaxRetries,
			ReserveTokens:    cfg.Agent.ReserveTokens,
			KeepRecentTokens: cfg.Agent.KeepRecentTokens,
			AutoCompact:      cfg.Agent.AutoCompact,
			AutoRetry:        cfg.Agent.AutoRetry,
		},
		Registry: registry,
		Bus:      bus,
		Version:  buildVersion(),
	})
	if err != nil {
		closeAll()
		if host != nil {
			host.Shutdown()
		}
		return nil, nil, nil, err
	}

	if _, err := os.Stat(cfg.WorkingDirectory); err != nil {
		slog.Warn("working directory is not accessible", "dir", cfg.WorkingDirectory, "error", err)
	}
	return s, host, closeAll, nil
}
