package main

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/inkfetch/internal/config"
	"github.com/sells-group/inkfetch/internal/origin"
	"github.com/sells-group/inkfetch/internal/pbm"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a PBM image for development",
	Long: "Starts an origin server that serves serve.file (or a generated test pattern at the display size) " +
		"at /image.pbm with length, chunked or close framing and optional fragment pacing.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Serve.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		image, err := loadServeImage(cfg)
		if err != nil {
			return err
		}

		srv, err := origin.New(origin.Config{
			Image:         image,
			Framing:       origin.Framing(cfg.Serve.Framing),
			FragmentSize:  cfg.Serve.FragmentSize,
			FragmentDelay: cfg.Serve.FragmentDelay(),
			CORSOrigins:   cfg.Serve.CORSOrigins,
		})
		if err != nil {
			return err
		}

		return srv.Run(ctx, fmt.Sprintf(":%d", cfg.Serve.Port))
	},
}

// loadServeImage reads serve.file, or encodes a test pattern sized for the
// configured display when no file is set.
func loadServeImage(c *config.Config) ([]byte, error) {
	if c.Serve.File != "" {
		data, err := os.ReadFile(c.Serve.File)
		if err != nil {
			return nil, eris.Wrapf(err, "serve: read %s", c.Serve.File)
		}
		return data, nil
	}

	var buf bytes.Buffer
	if err := pbm.Encode(&buf, pbm.Pattern(c.Display.Width, c.Display.Height)); err != nil {
		return nil, eris.Wrap(err, "serve: encode pattern")
	}
	zap.L().Info("serve: using generated pattern",
		zap.Int("width", c.Display.Width),
		zap.Int("height", c.Display.Height),
	)
	return buf.Bytes(), nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
