package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/promokit/pkg/archive"
	"github.com/dmitrymomot/promokit/pkg/config"
)

func newArchiveCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Browse archived webhook deliveries",
	}

	open := func(cmd *cobra.Command) (archive.Archive, error) {
		var cfg archive.Config
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		arc, err := archive.New(cmd.Context(), cfg)
		if err != nil {
			return nil, err
		}
		if arc == nil {
			return nil, errors.New("archive is disabled (ARCHIVE_DRIVER=none)")
		}
		return arc, nil
	}

	var (
		provider string
		day      string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List deliveries archived for a provider on a day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := time.Now().UTC()
			if day != "" {
				var err error
				if d, err = time.Parse(time.DateOnly, day); err != nil {
					return fmt.Errorf("--day: %w", err)
				}
			}
			arc, err := open(cmd)
			if err != nil {
				return err
			}
			keys, err := arc.List(cmd.Context(), provider, d)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
	list.Flags().StringVar(&provider, "provider", "", "provider name, e.g. paypal")
	list.Flags().StringVar(&day, "day", "", "day as YYYY-MM-DD (default today, UTC)")
	_ = list.MarkFlagRequired("provider")

	get := &cobra.Command{
		Use:   "get KEY",
		Short: "Print one archived delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := open(cmd)
			if err != nil {
				return err
			}
			payload, err := arc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(payload)
			return err
		},
	}

	cmd.AddCommand(list, get)
	return cmd
}
