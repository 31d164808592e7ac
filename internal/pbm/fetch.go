package pbm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/inkfetch/internal/fault"
	"github.com/sells-group/inkfetch/internal/transfer"
)

// Streamer starts a streaming transfer. transfer.Dispatcher implements it.
type Streamer interface {
	Fetch(ctx context.Context, rawURL string, fn transfer.FragmentFunc, overall time.Duration) transfer.Outcome
}

// Fetch streams rawURL through a Decoder into dst. A decoder failure aborts
// the transfer; the outcome then carries AbortedByConsumer with the
// decoder's reason attached.
func Fetch(ctx context.Context, s Streamer, rawURL string, dst []byte, width, height int, overall time.Duration) (Result, transfer.Outcome) {
	dec := NewDecoder(dst, width, height)
	if dec.Failed() {
		return dec.Result(), transfer.Outcome{URL: rawURL, Kind: fault.BadArguments, Err: dec.Err(), ContentLength: -1}
	}

	out := s.Fetch(ctx, rawURL, dec.Feed, overall)
	dec.Flush()
	res := dec.Result()

	if !out.OK && out.Kind == fault.AbortedByConsumer && dec.Failed() {
		out.Err = fault.Wrap(fault.AbortedByConsumer, dec.Err(), "aborted by decoder")
	}

	log := zap.L().With(zap.String("transfer_id", out.ID), zap.String("url", rawURL))
	if out.OK && res.OK() {
		log.Info("pbm: decoded",
			zap.Int("width", res.Width),
			zap.Int("height", res.Height),
			zap.Int("bytes", res.Written),
		)
	} else {
		log.Warn("pbm: decode failed",
			zap.Bool("transfer_ok", out.OK),
			zap.Stringer("transfer_kind", out.Kind),
			zap.Int("status", out.StatusCode),
			zap.String("content_type", out.ContentType),
			zap.Int64("content_length", out.ContentLength),
			zap.Int("needed", res.Needed),
			zap.Int("written", res.Written),
			zap.Error(res.Err),
		)
	}
	return res, out
}
