package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"secshare.io/engine/internal/auth"
	"secshare.io/engine/internal/store"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Store.Postgres.URL == "" {
				return errors.New("migrate needs a postgres url (DATABASE_URL)")
			}
			version, err := store.Migrate(c.cfg.Store.Postgres.URL)
			if err != nil {
				return err
			}
			c.log.WithField("version", version).Info("Database schema up to date")
			return nil
		},
	}
}

func newSweepCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup pass over expired and destroyed secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged=%d removed=%d failed=%d\n", res.Purged, res.Removed, res.Failed)
			return nil
		},
	}
}

func newTokenCmd(c *cli) *cobra.Command {
	var (
		owner string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			authn, err := auth.NewAuthenticator(c.cfg.Auth.JWTSecret, c.cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			token, err := authn.Issue(owner, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id to put in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.MarkFlagRequired("owner")
	return cmd
}
