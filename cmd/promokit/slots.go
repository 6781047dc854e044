package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newSlotsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Inspect or reset the free promotion quota",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print remaining and total free slots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.log, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			slots, err := a.svc.FreeSlots(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d/%d remaining\n", slots.Remaining, slots.Total)
			return nil
		},
	})

	var total int
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Reset the free-slot quota to a new total",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if total < 0 {
				return errors.New("--total must not be negative")
			}
			a, err := newApp(cmd.Context(), c.log, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.svc.ResetFreeSlots(cmd.Context(), total); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "free slots reset to %d\n", total)
			return nil
		},
	}
	reset.Flags().IntVar(&total, "total", 100, "new quota size")
	cmd.AddCommand(reset)

	return cmd
}
