package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/diary-callbacks/internal/config"
)

func newTokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <worker-name>",
		Short: "Mint a worker bearer token from WORKER_TOKEN_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			auth, err := newAuthenticator(cfg)
			if err != nil {
				return err
			}
			if auth == nil {
				return errors.New("WORKER_TOKEN_SECRET is not set")
			}
			tok, err := auth.Issue(args[0], ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
