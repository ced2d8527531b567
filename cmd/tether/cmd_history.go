package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tether/wal"
)

func newHistoryCmd(global *globalOptions) *cobra.Command {
	var (
		since     time.Duration
		showStats bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the connection journal",
		Example: `  tether history                 # Every journaled event
  tether history --since 24h     # Events from the last day
  tether history --stats         # Journal file statistics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			walCfg := wal.Config{
				MaxFileSize:   cfg.Journal.MaxFileSize,
				RetentionDays: cfg.Journal.RetentionDays,
			}
			out := cmd.OutOrStdout()

			if showStats {
				printJournalStats(out, wal.GetStatsFromDir(cfg.Journal.Dir, walCfg))
				return nil
			}

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tSERVER\tERROR")
			err = wal.Replay(cfg.Journal.Dir, walCfg, from, func(e *wal.Entry) error {
				_, err := fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					e.Sequence, e.Timestamp.Local().Format(time.DateTime), e.Type, e.ResourceKey, e.Error)
				return err
			})
			if err != nil {
				return fmt.Errorf("replay journal: %w", err)
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "Only show events newer than this")
	cmd.Flags().BoolVar(&showStats, "stats", false, "Show journal statistics instead of events")
	return cmd
}

func printJournalStats(out io.Writer, stats wal.Stats) {
	if stats.TotalFiles == 0 {
		_, _ = fmt.Fprintln(out, "journal is empty")
		return
	}
	_, _ = fmt.Fprintf(out, "files:     %d (%d bytes)\n", stats.TotalFiles, stats.TotalSizeBytes)
	_, _ = fmt.Fprintf(out, "range:     %s .. %s\n", stats.OldestFile.Format(time.DateTime), stats.NewestFile.Format(time.DateTime))
	_, _ = fmt.Fprintf(out, "sequence:  %d .. %d\n", stats.FirstSequence, stats.LastSequence)
	_, _ = fmt.Fprintf(out, "entries:   %d\n", stats.Entries)

	types := make([]string, 0, len(stats.ByType))
	for t := range stats.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		_, _ = fmt.Fprintf(out, "  %-18s %d\n", t, stats.ByType[wal.EntryType(t)])
	}
}
