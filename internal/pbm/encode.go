package pbm

import (
	"bufio"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
)

// Encode writes b as a P4 file.
func Encode(w io.Writer, b Bitmap) error {
	if err := b.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s\n%d %d\n", Magic, b.Width, b.Height); err != nil {
		return eris.Wrap(err, "write header")
	}
	if _, err := bw.Write(b.Pix); err != nil {
		return eris.Wrap(err, "write raster")
	}
	if err := bw.Flush(); err != nil {
		return eris.Wrap(err, "flush")
	}
	return nil
}

// Pattern draws a test card: a two pixel border, both diagonals and a
// checkerboard of 16 pixel cells in the center quarter.
func Pattern(width, height int) Bitmap {
	b := NewBitmap(width, height)
	for y := range height {
		for x := range width {
			border := x < 2 || y < 2 || x >= width-2 || y >= height-2
			diag := x*height/max(width, 1) == y || (width-1-x)*height/max(width, 1) == y
			center := x >= width/4 && x < width*3/4 && y >= height/4 && y < height*3/4
			checker := center && ((x/16)+(y/16))%2 == 0
			b.Set(x, y, border || diag || checker)
		}
	}
	return b
}
