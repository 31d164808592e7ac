package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/inkfetch/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "inkfetch",
	Short: "Stall-aware image fetcher for e-paper displays",
	Long: "Streams PBM images over HTTPS or plain HTTP under overall and stall deadlines, " +
		"decodes them into a display bitmap, and keeps a journal of every transfer.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
