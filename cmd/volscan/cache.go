package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"volscan/internal/hashcache"
)

func newCacheCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the persistent hash cache",
	}

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Drop cached hashes stored before a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.setup()
			if err != nil {
				return err
			}
			path := cfg.HashCache
			if path == "" {
				if path, err = hashcache.DefaultPath(); err != nil {
					return fmt.Errorf("failed to locate hash cache: %w", err)
				}
			}

			c, err := hashcache.Open(path)
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.Prune(time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			log.Debug().Str("path", path).Dur("older_than", olderThan).Msg("cache pruned")
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached hashes from %s\n", n, path)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age of the entries to drop")

	cmd.AddCommand(prune)
	return cmd
}
