package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/inkfetch/internal/journal"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Stream a URL and report the transfer outcome",
	Long: "Fetches one URL with the secure client (https) or the plain client (http), " +
		"printing status, framing and delivered bytes. The body can be saved with --output.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if err := checkFormat(format); err != nil {
			return err
		}
		if timeout > 0 {
			cfg.Transfer.OverallTimeoutMs = int(timeout.Milliseconds())
		}
		if err := cfg.Validate("fetch"); err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		body, out := env.Dispatcher.Get(ctx, args[0], cfg.Transfer.Overall())
		entry := env.record(ctx, journal.EntryFromOutcome("fetch", out))

		if err := writeEntry(cmd.OutOrStdout(), format, entry); err != nil {
			return err
		}
		if !out.OK {
			return eris.Errorf("fetch: %s", out.Kind)
		}
		if output != "" {
			if err := os.WriteFile(output, body, 0o644); err != nil {
				return eris.Wrapf(err, "fetch: write %s", output)
			}
		}
		return nil
	},
}

func init() {
	fetchCmd.Flags().String("format", formatTable, "output format: table, yaml or json")
	fetchCmd.Flags().StringP("output", "o", "", "write the body to this file on success")
	fetchCmd.Flags().Duration("timeout", 0, "overall deadline, overriding transfer.overall_timeout_ms")
	rootCmd.AddCommand(fetchCmd)
}
