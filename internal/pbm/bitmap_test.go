package pbm

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmap_SetDark(t *testing.T) {
	b := NewBitmap(10, 2)
	require.Len(t, b.Pix, 4)

	b.Set(0, 0, true)
	b.Set(9, 1, true)
	b.Set(10, 1, true) // out of range
	assert.Equal(t, byte(0x80), b.Pix[0])
	assert.Equal(t, byte(0x40), b.Pix[3])
	assert.True(t, b.Dark(0, 0))
	assert.True(t, b.Dark(9, 1))
	assert.False(t, b.Dark(1, 0))
	assert.False(t, b.Dark(-1, 0))
	assert.Equal(t, 2, b.DarkCount())

	b.Set(0, 0, false)
	assert.False(t, b.Dark(0, 0))
}

func TestBitmap_PaddingBitsIgnored(t *testing.T) {
	b := Bitmap{Width: 4, Height: 1, Pix: []byte{0xff}}
	assert.Equal(t, 4, b.DarkCount())
}

func TestBitmap_Validate(t *testing.T) {
	assert.NoError(t, NewBitmap(9, 3).Validate())
	assert.Error(t, Bitmap{Width: 9, Height: 3, Pix: make([]byte, 5)}.Validate())
	assert.Error(t, Bitmap{}.Validate())
}

func TestBitmap_Image(t *testing.T) {
	b := NewBitmap(3, 1)
	b.Set(1, 0, true)

	img := b.Image(false)
	assert.Equal(t, uint8(0), img.ColorIndexAt(0, 0))
	assert.Equal(t, uint8(1), img.ColorIndexAt(1, 0))

	inv := b.Image(true)
	assert.Equal(t, uint8(1), inv.ColorIndexAt(0, 0))
	assert.Equal(t, uint8(0), inv.ColorIndexAt(1, 0))

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	decoded, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3, decoded.Bounds().Dx())
}

func TestEncode(t *testing.T) {
	b := NewBitmap(9, 2)
	b.Set(8, 0, true)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, b))
	assert.Equal(t, "P4\n9 2\n\x00\x80\x00\x00", buf.String())

	assert.Error(t, Encode(&buf, Bitmap{Width: 9, Height: 2}))
}

func TestPattern(t *testing.T) {
	b := Pattern(400, 300)
	require.NoError(t, b.Validate())
	// Border corners are always dark; the border alone is well under half
	// of the image.
	assert.True(t, b.Dark(0, 0))
	assert.True(t, b.Dark(399, 299))
	assert.Greater(t, b.DarkCount(), 2*(400+300))
	assert.Less(t, b.DarkCount(), 400*300/2)
}
