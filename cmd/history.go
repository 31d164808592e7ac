package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/inkfetch/internal/journal"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the transfer journal",
	Long:  "Commands for listing, viewing, summarizing and pruning recorded transfers.",
}

func withJournal(cmd *cobra.Command, fn func(j *journal.Journal) error) error {
	if err := cfg.Validate("history"); err != nil {
		return err
	}
	j, err := openJournal(cmd.Context(), cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer j.Close() //nolint:errcheck
	return fn(j)
}

// -- history list --

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded transfers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withJournal(cmd, func(j *journal.Journal) error {
			filter, err := historyFilter(cmd)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			if err := checkFormat(format); err != nil {
				return err
			}

			entries, err := j.List(cmd.Context(), filter)
			if err != nil {
				return eris.Wrap(err, "history list")
			}
			if format != formatTable {
				return writeValue(cmd.OutOrStdout(), format, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(os.Stderr, "No transfers recorded.")
				return nil
			}
			return writeEntries(cmd.OutOrStdout(), entries)
		})
	},
}

func historyFilter(cmd *cobra.Command) (journal.Filter, error) {
	var f journal.Filter
	f.Kind, _ = cmd.Flags().GetString("kind")
	f.URL, _ = cmd.Flags().GetString("url")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	f.Offset, _ = cmd.Flags().GetInt("offset")

	if cmd.Flags().Changed("ok") {
		ok, _ := cmd.Flags().GetBool("ok")
		f.OK = &ok
	}
	if failed, _ := cmd.Flags().GetBool("failed"); failed {
		if f.OK != nil && *f.OK {
			return f, eris.New("history list: --ok and --failed are exclusive")
		}
		notOK := false
		f.OK = &notOK
	}
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
		f.Since = time.Now().Add(-since)
	}
	return f, nil
}

// -- history show --

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one recorded transfer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(cmd, func(j *journal.Journal) error {
			format, _ := cmd.Flags().GetString("format")
			if err := checkFormat(format); err != nil {
				return err
			}
			e, err := j.Get(cmd.Context(), args[0])
			if err != nil {
				return eris.Wrap(err, "history show")
			}
			return writeEntry(cmd.OutOrStdout(), format, *e)
		})
	},
}

// -- history stats --

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count recorded transfers by outcome",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withJournal(cmd, func(j *journal.Journal) error {
			st, err := j.Stats(cmd.Context())
			if err != nil {
				return eris.Wrap(err, "history stats")
			}
			kinds := make([]string, 0, len(st.ByKind))
			for k := range st.ByKind {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			return writeStats(cmd.OutOrStdout(), st, kinds)
		})
	},
}

// -- history prune --

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete recorded transfers older than --older-than",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withJournal(cmd, func(j *journal.Journal) error {
			age, _ := cmd.Flags().GetDuration("older-than")
			if age <= 0 {
				return eris.New("history prune: --older-than must be positive")
			}
			n, err := j.Prune(cmd.Context(), time.Now().Add(-age))
			if err != nil {
				return eris.Wrap(err, "history prune")
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d transfers.\n", n)
			return nil
		})
	},
}

func init() {
	historyListCmd.Flags().String("kind", "", "filter by outcome kind (stalled, timeout, dimension_mismatch, ...)")
	historyListCmd.Flags().String("url", "", "filter by URL")
	historyListCmd.Flags().Bool("ok", false, "only successful transfers")
	historyListCmd.Flags().Bool("failed", false, "only failed transfers")
	historyListCmd.Flags().Duration("since", 0, "only transfers in this window (e.g. 24h)")
	historyListCmd.Flags().Int("limit", 50, "max number of transfers to display")
	historyListCmd.Flags().Int("offset", 0, "skip this many transfers")
	historyListCmd.Flags().String("format", formatTable, "output format: table, yaml or json")

	historyShowCmd.Flags().String("format", formatTable, "output format: table, yaml or json")

	historyPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "delete transfers older than this")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyStatsCmd)
	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}
