package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"volscan/internal/compare"
	"volscan/internal/tree"
	"volscan/internal/walker"
)

func newDiffCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <old.csv> <new.csv | path>",
		Short: "Compare a saved inventory against another one or a fresh scan",
		Long: "Compare a saved inventory against another export or against a fresh scan of a directory.\n" +
			"Exits with status 1 when changes were found.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.setup()
			if err != nil {
				return err
			}

			oldTree, err := tree.LoadFile(args[0], nil)
			if err != nil {
				return fmt.Errorf("failed to load inventory: %w", err)
			}

			var newTree *tree.Tree
			if st, err := os.Stat(args[1]); err == nil && st.IsDir() {
				s, err := runScan(cmd.Context(), cfg, log, args[1:])
				if err != nil {
					return err
				}
				defer s.Close()
				newTree = s.Tree
			} else {
				newTree, err = tree.LoadFile(args[1], nil)
				if err != nil {
					return fmt.Errorf("failed to load inventory: %w", err)
				}
			}

			result := compare.Compare(oldTree, newTree)
			fmt.Fprintln(cmd.OutOrStdout(), compare.FormatReport(result))
			if result.HasChanges() {
				return exitError{code: 1}
			}
			return nil
		},
	}
}

func newVerifyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <path>",
		Short: "Check a scan against an independent parallel walk",
		Long: "Scan a directory and compare its totals with a plain parallel walk of the same tree.\n" +
			"Exits with status 1 when the byte totals disagree.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.setup()
			if err != nil {
				return err
			}
			// The walk has no free or unknown space to compare against.
			cfg.ShowFreeSpace, cfg.ShowUnknownSpace = false, false

			s, err := runScan(cmd.Context(), cfg, log, args)
			if err != nil {
				return err
			}
			defer s.Close()
			info, err := s.Tree.Info(s.Tree.Root())
			if err != nil {
				return fmt.Errorf("failed to read scan totals: %w", err)
			}

			totals, err := walker.Walk(cmd.Context(), args[0], cfg.Exclude, walker.Options{Workers: cfg.HashWorkers})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "  Scan: %s files, %s folders, %s\n",
				humanize.Comma(info.Files), humanize.Comma(info.Subdirs), humanize.Bytes(uint64(info.Size)))
			fmt.Fprintf(out, "  Walk: %s files, %s folders, %s\n",
				humanize.Comma(totals.Files), humanize.Comma(totals.Dirs), humanize.Bytes(uint64(totals.Bytes)))
			if len(totals.Errors) > 0 {
				fmt.Fprintf(out, "\n⚠ Walk skipped %d entries due to errors\n", len(totals.Errors))
			}
			if info.Size != totals.Bytes {
				fmt.Fprintf(out, "✗ Totals differ by %s\n", humanize.Bytes(uint64(abs(info.Size-totals.Bytes))))
				return exitError{code: 1}
			}
			fmt.Fprintln(out, "✓ Totals match")
			return nil
		},
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
