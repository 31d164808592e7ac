package pbm

import (
	"image"
	"image/color"

	"github.com/rotisserie/eris"
)

// Bitmap is a packed 1 bit per pixel image: rows of Stride(Width) bytes,
// most significant bit first, 1 = dark.
type Bitmap struct {
	Width  int
	Height int
	Pix    []byte
}

// NewBitmap allocates a blank (all light) bitmap.
func NewBitmap(width, height int) Bitmap {
	return Bitmap{Width: width, Height: height, Pix: make([]byte, Size(width, height))}
}

// Stride is the row length in bytes.
func (b Bitmap) Stride() int {
	return Stride(b.Width)
}

// Validate checks that Pix holds exactly one full image.
func (b Bitmap) Validate() error {
	if b.Width <= 0 || b.Height <= 0 {
		return eris.Errorf("invalid bitmap size %dx%d", b.Width, b.Height)
	}
	if len(b.Pix) != Size(b.Width, b.Height) {
		return eris.Errorf("bitmap %dx%d needs %d bytes, has %d", b.Width, b.Height, Size(b.Width, b.Height), len(b.Pix))
	}
	return nil
}

// Dark reports whether the pixel at (x, y) is set. Out of range is light.
func (b Bitmap) Dark(x, y int) bool {
	if x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return false
	}
	i := y*b.Stride() + x/8
	if i >= len(b.Pix) {
		return false
	}
	return b.Pix[i]&(0x80>>(x%8)) != 0
}

// Set sets or clears the pixel at (x, y). Out of range is ignored.
func (b Bitmap) Set(x, y int, dark bool) {
	if x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return
	}
	i := y*b.Stride() + x/8
	if i >= len(b.Pix) {
		return
	}
	mask := byte(0x80 >> (x % 8))
	if dark {
		b.Pix[i] |= mask
	} else {
		b.Pix[i] &^= mask
	}
}

// DarkCount is the number of set pixels, ignoring row padding bits.
func (b Bitmap) DarkCount() int {
	n := 0
	for y := range b.Height {
		for x := range b.Width {
			if b.Dark(x, y) {
				n++
			}
		}
	}
	return n
}

var (
	paper = color.Gray{Y: 0xff}
	ink   = color.Gray{Y: 0x00}
)

// Image renders the bitmap for preview. Invert swaps ink and paper, the way
// panels that treat 1 as white display the same buffer.
func (b Bitmap) Image(invert bool) *image.Paletted {
	img := image.NewPaletted(image.Rect(0, 0, b.Width, b.Height), color.Palette{paper, ink})
	for y := range b.Height {
		for x := range b.Width {
			if b.Dark(x, y) != invert {
				img.SetColorIndex(x, y, 1)
			}
		}
	}
	return img
}
