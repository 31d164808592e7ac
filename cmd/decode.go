package main

import (
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/inkfetch/internal/journal"
	"github.com/sells-group/inkfetch/internal/pbm"
)

var decodeCmd = &cobra.Command{
	Use:   "decode [url]",
	Short: "Fetch and decode the display image",
	Long: "Streams a binary PBM into a buffer sized for the display and reports the decode result. " +
		"The URL defaults to display.url. With --out the bitmap is written as PBM, or PNG for a .png path.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		format, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("out")
		if err := checkFormat(format); err != nil {
			return err
		}
		applyDisplayFlags(cmd, args)
		if err := cfg.Validate("decode"); err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		w, h := cfg.Display.Width, cfg.Display.Height
		dst := make([]byte, pbm.Size(w, h))
		res, out := pbm.Fetch(ctx, env.Dispatcher, cfg.Display.URL, dst, w, h, cfg.Transfer.Overall())
		entry := env.record(ctx, journal.EntryFromOutcome("decode", out).WithDecode(res))

		if err := writeEntry(cmd.OutOrStdout(), format, entry); err != nil {
			return err
		}
		if !entry.OK {
			return eris.Errorf("decode: %s", entry.Kind)
		}
		if outPath != "" {
			return writeBitmap(outPath, pbm.Bitmap{Width: w, Height: h, Pix: dst}, cfg.Display.Invert)
		}
		return nil
	},
}

// applyDisplayFlags lets a positional URL and the size flags override config.
func applyDisplayFlags(cmd *cobra.Command, args []string) {
	if len(args) > 0 {
		cfg.Display.URL = args[0]
	}
	if cmd.Flags().Changed("width") {
		cfg.Display.Width, _ = cmd.Flags().GetInt("width")
	}
	if cmd.Flags().Changed("height") {
		cfg.Display.Height, _ = cmd.Flags().GetInt("height")
	}
	if cmd.Flags().Changed("invert") {
		cfg.Display.Invert, _ = cmd.Flags().GetBool("invert")
	}
}

// writeBitmap saves b as PNG when path ends in .png and as binary PBM
// otherwise. The file is replaced atomically.
func writeBitmap(path string, b pbm.Bitmap, invert bool) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".inkfetch-*")
	if err != nil {
		return eris.Wrap(err, "create temp bitmap")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if strings.EqualFold(filepath.Ext(path), ".png") {
		err = png.Encode(tmp, b.Image(invert))
	} else {
		err = pbm.Encode(tmp, b)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return eris.Wrapf(err, "write bitmap %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "rename bitmap %s", path)
	}

	zap.L().Info("bitmap saved",
		zap.String("path", path),
		zap.Int("width", b.Width),
		zap.Int("height", b.Height),
		zap.Int("dark", b.DarkCount()),
	)
	return nil
}

func addDisplayFlags(cmd *cobra.Command) {
	cmd.Flags().Int("width", 0, "expected width, overriding display.width")
	cmd.Flags().Int("height", 0, "expected height, overriding display.height")
	cmd.Flags().Bool("invert", false, "swap ink and paper in PNG output")
	cmd.Flags().String("out", "", "write the decoded bitmap to this path (.pbm or .png)")
}

func init() {
	addDisplayFlags(decodeCmd)
	decodeCmd.Flags().String("format", formatTable, "output format: table, yaml or json")
	rootCmd.AddCommand(decodeCmd)
}
