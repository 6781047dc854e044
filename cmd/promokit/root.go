package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/promokit/pkg/config"
	"github.com/dmitrymomot/promokit/pkg/logger"
	"github.com/dmitrymomot/promokit/pkg/requestid"
)

// cli carries state shared by all subcommands. The logger is built in the
// root pre-run hook so every command logs the same way.
type cli struct {
	envFile string
	log     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "promokit",
		Short:         "Profile promotion payments, free slots and renewals",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.envFile != "" {
				if err := config.LoadEnv(c.envFile); err != nil {
					return err
				}
			}

			var cfg logger.Config
			if err := config.Load(&cfg); err != nil {
				return fmt.Errorf("load logger config: %w", err)
			}
			opts := append(logger.FromConfig(cfg), logger.WithContextExtractors(requestid.LoggerExtractor()))
			c.log = logger.New(opts...)
			logger.SetAsDefault(c.log)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.envFile, "env-file", "", "load environment variables from this file")

	root.AddCommand(
		newServeCmd(c),
		newMigrateCmd(c),
		newRunCmd(c),
		newSlotsCmd(c),
		newArchiveCmd(c),
		newTokenCmd(c),
	)
	return root
}
