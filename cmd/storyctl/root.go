package main

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"storytime/internal/adapters/repo"
	"storytime/internal/infra/config"
	"storytime/internal/infra/db"
	applog "storytime/internal/infra/log"
)

type commandContext struct {
	verbose *bool

	configOnce sync.Once
	config     config.AppConfig
}

func newCommandContext(verbose *bool) *commandContext {
	return &commandContext{verbose: verbose}
}

func (c *commandContext) ensureConfig() config.AppConfig {
	c.configOnce.Do(func() {
		c.config = config.Load()
	})
	return c.config
}

func (c *commandContext) logger() zerolog.Logger {
	cfg := c.ensureConfig()
	logger := applog.NewLogger(cfg.AppEnv)
	if c.verbose == nil || !*c.verbose {
		logger = logger.Level(zerolog.WarnLevel)
	}
	return logger
}

func (c *commandContext) withPostgres(fn func(*repo.Postgres) error) error {
	cfg := c.ensureConfig()
	if cfg.PGDSN == "" {
		return fmt.Errorf("не указан PG_DSN")
	}
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("подключение к БД: %w", err)
	}
	defer pool.Close()
	return fn(repo.NewPostgres(pool))
}

func newRootCommand() *cobra.Command {
	var verbose bool
	ctx := newCommandContext(&verbose)

	rootCmd := &cobra.Command{
		Use:           "storyctl",
		Short:         "Operator CLI for storytime",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show service logs")

	rootCmd.AddCommand(newGenerateCommand(ctx))
	rootCmd.AddCommand(newUnlockCommand(ctx))
	rootCmd.AddCommand(newStoryOfTheDayCommand(ctx))

	return rootCmd
}
