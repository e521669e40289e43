package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

// StdioCmd runs the line-delimited JSON surface over stdin/stdout.
type StdioCmd struct {
	Provider string `help:"LLM provider (anthropic, openai)."`
	Model    string `help:"Model name."`
	APIKey   string `name:"api-key" help:"API key (defaults to environment variable)."`
	Resume   bool   `help:"Resume the most recent session."`
}

func (c *StdioCmd) Run(cli *CLI) error {
	cfg, _, cleanup, err := loadConfig(cli, true)
	if err != nil {
		return err
	}
	defer cleanup()

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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, host, closeAll, err := buildServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAll()
	defer s.Shutdown()
	if host != nil {
		defer host.Shutdown()
	}

	err = s.RunStdio(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
