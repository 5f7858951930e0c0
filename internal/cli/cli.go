// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the caroni command line: template provisioning, workflow
// submission and inspection.
package cli

import (
	"context"
	"fmt"
	"sync"

	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/logger"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	appName    = "caroni"
	appVersion = "0.1.0-alpha"
)

var (
	log     zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		log = logger.GetCLILogger()
	})
	return &log
}

// globalOptions are shared by every subcommand
type globalOptions struct {
	configPath string
}

// Execute runs the CLI application; ctx cancels long-running commands
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "caroni - distributed workflow manager client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (default: search ./config.yaml, ./config, /etc/caroni, $HOME/.caroni)")

	root.AddCommand(
		newTemplateCommand(opts),
		newWorkflowCommand(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, appVersion)
			},
		},
	)
	return root
}

// load reads the configuration and opens the database. The caller closes the database.
func (o *globalOptions) load() (*config.AppConfig, *database.GormDB, error) {
	cfg, err := config.NewConfig(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Initialize(&cfg.Log); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	getLog().Debug().Str("driver", cfg.Database.Driver).Msg("Database opened")
	return cfg, db, nil
}
