package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"secshare.io/engine/config"
	"secshare.io/engine/internal/logging"
)

// cli carries what every subcommand needs once flags are parsed.
type cli struct {
	configPath string
	cfg        *config.Config
	log        *logrus.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "secshare",
		Short: "Self-destructing secret sharing service",
		Long: `secshare stores encrypted secrets that can be revealed a limited number
of times before they expire, and keeps an access log of every attempt.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Output: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			c.cfg, c.log = cfg, logger
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		newServeCmd(c),
		newMigrateCmd(c),
		newSweepCmd(c),
		newTokenCmd(c),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
