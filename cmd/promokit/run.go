package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

func newRunCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run [job...]",
		Short: "Run lifecycle jobs once and exit",
		Long: "Runs the named jobs once, in order. Without arguments every job runs.\n" +
			"Jobs: " + jobExpire + ", " + jobRenew + ", " + jobSweep + ".",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, c.log, appOptions{providers: true})
			if err != nil {
				return err
			}
			defer a.close()

			sched, err := a.newScheduler()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				args = sched.Jobs()
				// Expire first, so renewals only see profiles still due.
				slices.SortFunc(args, func(x, y string) int { return jobOrder(x) - jobOrder(y) })
			}

			var errs []error
			for _, name := range args {
				if err := sched.RunNow(ctx, name); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

func jobOrder(name string) int {
	switch name {
	case jobExpire:
		return 0
	case jobRenew:
		return 1
	default:
		return 2
	}
}
