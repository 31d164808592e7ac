package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/inkfetch/internal/fault"
	"github.com/sells-group/inkfetch/internal/journal"
	"github.com/sells-group/inkfetch/internal/pbm"
	"github.com/sells-group/inkfetch/internal/resilience"
)

// statusLines is what the display shows while no image is available: a
// headline and an optional detail line.
type statusLines struct {
	Line1 string
	Line2 string
}

func (s statusLines) String() string {
	if s.Line2 == "" {
		return s.Line1
	}
	return s.Line1 + " | " + s.Line2
}

// refresher fetches and decodes the display image once per tick.
type refresher struct {
	streamer pbm.Streamer
	url      string
	width    int
	height   int
	overall  time.Duration
	retry    resilience.RetryConfig
	breaker  *resilience.CircuitBreaker

	// record journals every attempt.
	record func(ctx context.Context, e journal.Entry)
	// show receives status lines.
	show func(s statusLines)
	// onBitmap receives each successfully decoded image.
	onBitmap func(b pbm.Bitmap) error
}

// refresh runs one refresh: retries transient failures, then hands the
// bitmap off. The entry of the last attempt is returned.
func (r *refresher) refresh(ctx context.Context) (journal.Entry, error) {
	r.show(statusLines{Line1: "Fetching", Line2: r.url})

	var bitmap pbm.Bitmap
	entry, err := resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (journal.Entry, error) {
		return resilience.DoVal(ctx, r.retry, func(ctx context.Context) (journal.Entry, error) {
			dst := make([]byte, pbm.Size(r.width, r.height))
			res, out := pbm.Fetch(ctx, r.streamer, r.url, dst, r.width, r.height, r.overall)
			e := journal.EntryFromOutcome("watch", out).WithDecode(res)
			r.record(ctx, e)

			if !out.OK {
				return e, resilience.OutcomeErr(out)
			}
			if res.Err != nil {
				return e, res.Err
			}
			bitmap = pbm.Bitmap{Width: res.Width, Height: res.Height, Pix: dst}
			return e, nil
		})
	})
	if err != nil {
		r.show(r.failureStatus(entry, err))
		return entry, err
	}

	if r.onBitmap != nil {
		if err := r.onBitmap(bitmap); err != nil {
			r.show(statusLines{Line1: "Display failed", Line2: err.Error()})
			return entry, err
		}
	}
	r.show(statusLines{
		Line1: "Updated",
		Line2: fmt.Sprintf("%dx%d in %s", bitmap.Width, bitmap.Height, time.Duration(entry.ElapsedMS)*time.Millisecond),
	})
	return entry, nil
}

func (r *refresher) failureStatus(e journal.Entry, err error) statusLines {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return statusLines{
			Line1: "Origin unavailable",
			Line2: fmt.Sprintf("next try in %s", r.breaker.Remaining().Round(time.Second)),
		}
	}

	kind := fault.ParseKind(e.Kind)
	switch {
	case kind == fault.NonSuccessStatus || kind == fault.RedirectNotHandled:
		return statusLines{Line1: "HTTP error", Line2: fmt.Sprintf("status %d", e.StatusCode)}
	case kind == fault.NotConnected:
		return statusLines{Line1: "No network"}
	case kind == fault.TransportConnectFailed:
		return statusLines{Line1: "Connect failed", Line2: e.URL}
	case kind.Transient():
		return statusLines{Line1: "Fetch failed", Line2: e.Kind}
	case e.DecodeError != "":
		return statusLines{Line1: "Decode failed", Line2: e.Kind}
	default:
		return statusLines{Line1: "Fetch failed", Line2: err.Error()}
	}
}

// watchLoop refreshes every interval until ctx is done. once stops after the
// first refresh and reports its error.
func watchLoop(ctx context.Context, r *refresher, interval time.Duration, once bool) error {
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		_, err := r.refresh(ctx)
		if once {
			return err
		}
		if err != nil && ctx.Err() == nil {
			zap.L().Warn("watch: refresh failed",
				zap.String("url", r.url),
				zap.String("class", resilience.Classify(err)),
				zap.Error(err),
			)
		}
	}
}

func statusPrinter(out io.Writer) func(statusLines) {
	return func(s statusLines) {
		_, _ = fmt.Fprintf(out, "%s  %s\n", time.Now().Format("15:04:05"), s)
		zap.L().Debug("watch: status", zap.String("line1", s.Line1), zap.String("line2", s.Line2))
	}
}

var watchCmd = &cobra.Command{
	Use:   "watch [url]",
	Short: "Refresh the display image on an interval",
	Long: "Fetches and decodes the display image every watch.interval_secs, retrying transient failures " +
		"and backing off with a circuit breaker while the origin keeps failing.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyDisplayFlags(cmd, args)
		if interval, _ := cmd.Flags().GetDuration("interval"); interval > 0 {
			cfg.Watch.IntervalSecs = int(interval.Seconds())
		}
		once, _ := cmd.Flags().GetBool("once")
		outPath, _ := cmd.Flags().GetString("out")
		if err := cfg.Validate("watch"); err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		retry := cfg.Watch.Retry.Resilience()
		retry.OnRetry = resilience.RetryLogger(cfg.Display.URL)
		breakerCfg := cfg.Watch.Circuit.Resilience()
		breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Info("watch: circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}

		r := &refresher{
			streamer: env.Dispatcher,
			url:      cfg.Display.URL,
			width:    cfg.Display.Width,
			height:   cfg.Display.Height,
			overall:  cfg.Transfer.Overall(),
			retry:    retry,
			breaker:  resilience.NewCircuitBreaker(breakerCfg),
			record:   func(ctx context.Context, e journal.Entry) { env.record(ctx, e) },
			show:     statusPrinter(cmd.OutOrStdout()),
		}
		if outPath != "" {
			invert := cfg.Display.Invert
			r.onBitmap = func(b pbm.Bitmap) error { return writeBitmap(outPath, b, invert) }
		}

		return watchLoop(ctx, r, cfg.Watch.Interval(), once)
	},
}

func init() {
	addDisplayFlags(watchCmd)
	watchCmd.Flags().Duration("interval", 0, "time between refreshes, overriding watch.interval_secs")
	watchCmd.Flags().Bool("once", false, "refresh once and exit")
	rootCmd.AddCommand(watchCmd)
}
