package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"volscan/internal/config"
	"volscan/internal/hash"
	"volscan/internal/progress"
	"volscan/internal/scan"
	"volscan/internal/tree"
	"volscan/internal/volume"
)

// runScan opens a session over paths and scans it to completion with a
// progress line on stderr.
func runScan(ctx context.Context, cfg *config.Config, log zerolog.Logger, paths []string) (*scan.Session, error) {
	s, err := scan.Open(ctx, cfg, log, paths...)
	if err != nil {
		return nil, err
	}

	var w io.Writer
	if progress.IsTerminal(os.Stderr) {
		w = os.Stderr
	}
	var total int64
	if len(paths) == 1 {
		if sp, ok := volume.Stat(paths[0]); ok && volume.IsRoot(paths[0]) {
			total = int64(sp.Used())
		}
	}
	bar := progress.New(w, total)
	snapshot := func() progress.Snapshot {
		p := s.Progress()
		return progress.Snapshot{Files: p.Files, Dirs: p.Dirs, Bytes: p.Allocated, Pending: p.Pending}
	}

	start := time.Now()
	err = s.Run(ctx, func() {
		s.Changes().Drain()
		bar.Update(snapshot())
	})
	bar.Finish(snapshot())
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Changes().Drain()
	log.Debug().Dur("took", time.Since(start)).Msg("scan finished")
	return s, nil
}

func newScanCmd(g *globalFlags) *cobra.Command {
	var output string
	var owner bool
	cmd := &cobra.Command{
		Use:   "scan <path>...",
		Short: "Scan paths and save the inventory as CSV",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.setup()
			if err != nil {
				return err
			}
			if output == "" {
				output = cfg.OutputFile
			}

			s, err := runScan(cmd.Context(), cfg, log, args)
			if err != nil {
				return err
			}
			defer s.Close()

			if output == "" {
				output = defaultOutput(args[0], time.Now())
			}
			if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			if err := tree.SaveFile(s.Tree, output, tree.SaveOptions{Owner: owner}); err != nil {
				return fmt.Errorf("failed to save inventory: %w", err)
			}

			out := cmd.OutOrStdout()
			printSummary(out, s)
			fmt.Fprintf(out, "  Output: %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "CSV output path (overrides config)")
	cmd.Flags().BoolVar(&owner, "owner", false, "Add the owner column")
	return cmd
}

// defaultOutput names the export after the scanned folder and the date.
func defaultOutput(root string, now time.Time) string {
	name := filepath.Base(filepath.Clean(root))
	name = strings.Trim(name, `/\:.`)
	if name == "" {
		name = "root"
	}
	return filepath.Join("output", fmt.Sprintf("%s-%s.csv", name, now.Format("20060102-150405")))
}

func printSummary(w io.Writer, s *scan.Session) {
	info, err := s.Tree.Info(s.Tree.Root())
	if err != nil {
		fmt.Fprintln(w, "Nothing scanned.")
		return
	}
	stats := s.Dupes.Stats()
	fmt.Fprintf(w, "✓ Scan complete\n")
	fmt.Fprintf(w, "  Size: %s (%s allocated)\n", humanize.Bytes(uint64(info.Size)), humanize.Bytes(uint64(info.Physical)))
	fmt.Fprintf(w, "  Files: %s, folders: %s\n", humanize.Comma(info.Files), humanize.Comma(info.Subdirs))
	fmt.Fprintf(w, "  Last change: %s\n", info.LastChange.Format(time.RFC3339))
	if stats.Groups > 0 {
		fmt.Fprintf(w, "  Duplicates: %d groups, %s reclaimable\n", stats.Groups, humanize.Bytes(uint64(stats.Wasted)))
	}
}

func newTopCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "top <path>...",
		Short: "List the largest files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.setup()
			if err != nil {
				return err
			}
			if limit > 0 {
				cfg.Top = limit
			}
			s, err := runScan(cmd.Context(), cfg, log, args)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			for i, it := range s.Top.Items() {
				fmt.Fprintf(out, "%3d. %10s  %s\n", i+1, humanize.Bytes(uint64(it.Size)), it.Path)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "number", "n", 0, "Number of files to list (overrides config)")
	return cmd
}

func newDupesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dupes <path>...",
		Short: "Group files with identical content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.setup()
			if err != nil {
				return err
			}
			s, err := runScan(cmd.Context(), cfg, log, args)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			groups := s.Dupes.Groups()
			if len(groups) == 0 {
				fmt.Fprintln(out, "No duplicates found.")
				return nil
			}
			var wasted int64
			for _, grp := range groups {
				wasted += grp.Wasted()
				fmt.Fprintf(out, "%d copies of %s [%s] (%s reclaimable):\n",
					len(grp.Files), humanize.Bytes(uint64(grp.Key.Size)), hash.Hex(grp.Key.Sum), humanize.Bytes(uint64(grp.Wasted())))
				for _, f := range grp.Files {
					fmt.Fprintf(out, "  %s\n", f.Path)
				}
			}
			fmt.Fprintf(out, "\nSummary: %d groups, %s reclaimable\n", len(groups), humanize.Bytes(uint64(wasted)))
			return nil
		},
	}
}
