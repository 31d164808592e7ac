// Package pbm decodes and encodes binary portable bitmaps (PBM "P4").
//
// The decoder is push-driven: it consumes the body in whatever fragments the
// transport delivers and writes pixel rows straight into a caller-owned
// buffer. It never allocates the output and never grows it.
package pbm

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/sells-group/inkfetch/internal/fault"
)

// Magic is the only accepted header magic.
const Magic = "P4"

// MaxTokenLen is the longest accepted header token.
const MaxTokenLen = 31

// Stride is the number of bytes in one packed row.
func Stride(width int) int {
	return (width + 7) / 8
}

// Size is the number of pixel bytes in a width x height bitmap.
func Size(width, height int) int {
	return Stride(width) * height
}

type phase int

const (
	phaseHeader phase = iota
	phaseData
	phaseFailed
)

func (p phase) String() string {
	switch p {
	case phaseHeader:
		return "header"
	case phaseData:
		return "data"
	default:
		return "failed"
	}
}

// Token indexes within the header.
const (
	tokMagic = iota
	tokWidth
	tokHeight
	tokDone
)

// Decoder is an incremental P4 decoder. The zero value is not usable; create
// one with NewDecoder. A Decoder is single-use and not safe for concurrent
// use.
type Decoder struct {
	dst            []byte
	expectW        int
	expectH        int
	phase          phase
	err            error
	token          [MaxTokenLen]byte
	tokenLen       int
	index          int
	inComment      bool
	dataAfterBreak bool
	magicOK        bool
	width          int
	height         int
	needed         int
	written        int
}

// NewDecoder creates a decoder that expects a width x height image and
// writes it into dst. dst must hold at least Size(width, height) bytes.
func NewDecoder(dst []byte, width, height int) *Decoder {
	d := &Decoder{dst: dst, expectW: width, expectH: height}
	if width <= 0 || height <= 0 {
		d.fail(fault.Newf(fault.BadArguments, "expected dimensions must be positive, got %dx%d", width, height))
	}
	return d
}

// Feed consumes one fragment. It returns false once the decoder has failed,
// which aborts the transfer when Feed is used as the fragment callback.
func (d *Decoder) Feed(p []byte) bool {
	for i := 0; i < len(p); i++ {
		switch d.phase {
		case phaseFailed:
			return false
		case phaseData:
			d.copyData(p[i:])
			return true
		default:
			d.headerByte(p[i])
		}
	}
	return d.phase != phaseFailed
}

// Write implements io.Writer. After a failure it returns the decoder's first
// error and reports nothing written.
func (d *Decoder) Write(p []byte) (int, error) {
	if !d.Feed(p) {
		return 0, d.err
	}
	return len(p), nil
}

// Flush finalizes a header token left pending when the stream ended before
// its terminating whitespace.
func (d *Decoder) Flush() {
	if d.phase != phaseHeader || d.tokenLen == 0 {
		return
	}
	d.finishToken()
	if d.phase == phaseHeader && d.index == tokDone {
		d.phase = phaseData
	}
}

// Failed reports whether the decoder has recorded a failure.
func (d *Decoder) Failed() bool {
	return d.phase == phaseFailed
}

// Err returns the first failure, or nil.
func (d *Decoder) Err() error {
	return d.err
}

// Result summarizes the decode.
type Result struct {
	Width   int
	Height  int
	Needed  int
	Written int
	Err     error
}

// OK reports a fully decoded, validated bitmap.
func (r Result) OK() bool {
	return r.Err == nil
}

// Result returns the outcome so far. A decode that has not failed but is
// missing header tokens or pixel bytes reports IncompleteData.
func (d *Decoder) Result() Result {
	r := Result{Width: d.width, Height: d.height, Needed: d.needed, Written: d.written}
	switch {
	case d.err != nil:
		r.Err = d.err
	case d.phase != phaseData:
		r.Err = fault.Newf(fault.IncompleteData, "header incomplete after %d of 3 tokens", d.index)
	case d.written != d.needed:
		r.Err = fault.Newf(fault.IncompleteData, "incomplete bitmap: got %d of %d bytes", d.written, d.needed)
	}
	return r
}

// Bitmap returns the decoded image backed by the destination buffer. It is
// only meaningful after a successful Result.
func (d *Decoder) Bitmap() Bitmap {
	return Bitmap{Width: d.width, Height: d.height, Pix: d.dst[:d.written]}
}

func (d *Decoder) copyData(p []byte) {
	left := d.needed - d.written
	if left <= 0 {
		return
	}
	if len(p) > left {
		p = p[:left]
	}
	d.written += copy(d.dst[d.written:d.needed], p)
}

func (d *Decoder) headerByte(b byte) {
	if d.inComment {
		if b == '\n' || b == '\r' {
			d.inComment = false
			if d.dataAfterBreak {
				d.phase = phaseData
			}
		}
		return
	}

	switch {
	case b == '#':
		// A comment also terminates the token being built.
		if d.tokenLen > 0 {
			d.finishToken()
			if d.phase == phaseFailed {
				return
			}
			if d.index == tokDone {
				d.dataAfterBreak = true
			}
		}
		d.inComment = true
	case isSpace(b):
		if d.tokenLen == 0 {
			return
		}
		d.finishToken()
		// Exactly one whitespace byte separates the height from the raster.
		if d.phase == phaseHeader && d.index == tokDone {
			d.phase = phaseData
		}
	default:
		if d.tokenLen >= MaxTokenLen {
			d.fail(fault.Newf(fault.TokenTooLong, "header token %d exceeds %d bytes", d.index, MaxTokenLen))
			return
		}
		d.token[d.tokenLen] = b
		d.tokenLen++
	}
}

func (d *Decoder) finishToken() {
	tok := string(d.token[:d.tokenLen])
	d.tokenLen = 0

	switch d.index {
	case tokMagic:
		if tok != Magic {
			d.fail(fault.Newf(fault.BadMagic, "bad magic %q, want %s", tok, Magic))
			return
		}
		d.magicOK = true
	case tokWidth:
		w, err := strconv.Atoi(tok)
		if err != nil || w <= 0 {
			d.fail(fault.Newf(fault.DimensionMismatch, "invalid width %q", tok))
			return
		}
		d.width = w
	case tokHeight:
		h, err := strconv.Atoi(tok)
		if err != nil || h <= 0 {
			d.fail(fault.Newf(fault.DimensionMismatch, "invalid height %q", tok))
			return
		}
		d.height = h
		if d.width != d.expectW || d.height != d.expectH {
			d.fail(fault.Newf(fault.DimensionMismatch, "image is %dx%d, expected %dx%d", d.width, d.height, d.expectW, d.expectH))
			return
		}
		d.needed = Size(d.width, d.height)
		if d.needed > len(d.dst) {
			d.fail(fault.Newf(fault.BufferTooSmall, "bitmap needs %d bytes, buffer holds %d", d.needed, len(d.dst)))
			return
		}
	default:
		return
	}
	d.index++
}

// fail records the first failure only and logs the decoder state once.
func (d *Decoder) fail(err error) {
	if d.phase == phaseFailed {
		return
	}
	d.phase = phaseFailed
	d.err = err
	zap.L().Warn("pbm: decoder failed",
		zap.Error(err),
		zap.Stringer("kind", fault.KindOf(err)),
		zap.Int("expected_width", d.expectW),
		zap.Int("expected_height", d.expectH),
		zap.Int("parsed_width", d.width),
		zap.Int("parsed_height", d.height),
		zap.Bool("magic_ok", d.magicOK),
		zap.Int("capacity", len(d.dst)),
		zap.Int("needed", d.needed),
		zap.Int("written", d.written),
		zap.Int("token_index", d.index),
	)
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
