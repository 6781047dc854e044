package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store migrations and seed the free-slot quota",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.log, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.prepare(cmd.Context()); err != nil {
				return err
			}
			c.log.Info("store is up to date")
			return nil
		},
	}
}
