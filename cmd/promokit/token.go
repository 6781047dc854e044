package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/promokit/pkg/config"
	"github.com/dmitrymomot/promokit/pkg/jwtauth"
)

// newTokenCmd issues API tokens for local testing. Production tokens come
// from the identity service that shares JWT_SECRET.
func newTokenCmd(*cli) *cobra.Command {
	var (
		profile string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg jwtauth.Config
			if err := config.Load(&cfg); err != nil {
				return err
			}
			v, err := jwtauth.New(cfg)
			if err != nil {
				return err
			}
			tok, err := v.Issue(profile, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "profile id to put in the subject claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}
