package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/promokit/modules/monetization"
	"github.com/dmitrymomot/promokit/pkg/config"
	"github.com/dmitrymomot/promokit/pkg/httpserver"
	"github.com/dmitrymomot/promokit/pkg/jwtauth"
	"github.com/dmitrymomot/promokit/pkg/scheduler"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		migrate bool
		noJobs  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook receiver and lifecycle jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, c.log, appOptions{providers: true})
			if err != nil {
				return err
			}
			defer a.close()

			if migrate {
				if err := a.prepare(ctx); err != nil {
					return fmt.Errorf("prepare store: %w", err)
				}
			}

			var jcfg jwtauth.Config
			if err := config.Load(&jcfg); err != nil {
				return fmt.Errorf("load jwt config: %w", err)
			}
			verifier, err := jwtauth.New(jcfg)
			if err != nil {
				return err
			}

			var hcfg httpserver.Config
			if err := config.Load(&hcfg); err != nil {
				return fmt.Errorf("load http config: %w", err)
			}
			srv := httpserver.New(hcfg, httpserver.WithLogger(c.log))

			limiter, err := a.rateLimiter()
			if err != nil {
				return err
			}

			router := monetization.Router(monetization.RouterOptions{
				Service:     a.svc,
				Verifier:    verifier,
				Logger:      c.log,
				Registry:    a.registry,
				Checks:      a.checks,
				RateLimiter: limiter,
			})

			var sched *scheduler.Scheduler
			if !noJobs {
				if sched, err = a.newScheduler(); err != nil {
					return err
				}
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(ctx, router) })
			if sched != nil {
				g.Go(func() error { return sched.Start(ctx) })
			}
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply migrations and seed the free-slot quota on start")
	cmd.Flags().BoolVar(&noJobs, "no-jobs", false, "serve HTTP only; run lifecycle jobs elsewhere")
	return cmd
}
