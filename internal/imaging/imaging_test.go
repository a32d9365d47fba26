package imaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/niteru/internal/models"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecode_formats(t *testing.T) {
	img := solid(8, 4, color.RGBA{R: 200, A: 255})

	var jpg, gf bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, img, nil))
	require.NoError(t, gif.Encode(&gf, img, nil))

	cases := map[string][]byte{
		"png":  encodePNG(t, img),
		"jpeg": jpg.Bytes(),
		"gif":  gf.Bytes(),
	}
	for format, data := range cases {
		t.Run(format, func(t *testing.T) {
			d, err := Decode(data, 0)
			require.NoError(t, err)
			assert.Equal(t, format, d.Format)
			assert.Equal(t, 8, d.Width)
			assert.Equal(t, 4, d.Height)
			assert.Equal(t, int64(len(data)), d.SizeBytes)
		})
	}
}

func TestDecode_invalid(t *testing.T) {
	valid := encodePNG(t, solid(4, 4, color.White))
	cases := map[string]struct {
		data []byte
		max  int64
	}{
		"empty":     {nil, 0},
		"garbage":   {[]byte("definitely not an image"), 0},
		"truncated": {valid[:len(valid)/2], 0},
		"too large": {valid, int64(len(valid) - 1)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.data, tc.max)
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrInvalidImage), "got %v", err)
		})
	}
}

// withDimensions rewrites the IHDR width and height of a PNG.
func withDimensions(data []byte, w, h uint32) []byte {
	out := append([]byte(nil), data...)
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestDecode_rejectsHugeCanvas(t *testing.T) {
	data := withDimensions(encodePNG(t, solid(4, 4, color.White)), 20000, 20000)
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 20000, cfg.Width)

	_, err = Decode(data, 0)
	var invalid *models.InvalidImageError
	require.True(t, errors.As(err, &invalid), "got %v", err)
	assert.Contains(t, invalid.Reason, "pixels")
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", a)
	assert.NotEqual(t, a, ContentHash([]byte("abd")))
}

func TestThumbnail(t *testing.T) {
	data, err := Thumbnail(solid(400, 200, color.Black), 100)
	require.NoError(t, err)
	d, err := Decode(data, 0)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", d.Format)
	assert.Equal(t, 100, d.Width)
	assert.Equal(t, 50, d.Height)
}

func TestResize_keepsSmallImages(t *testing.T) {
	out := Resize(solid(20, 10, color.White), 100)
	assert.Equal(t, 20, out.Bounds().Dx())
	assert.Equal(t, 10, out.Bounds().Dy())
}

func TestTensor(t *testing.T) {
	size := 16
	out := Tensor(solid(40, 20, color.RGBA{R: 255, G: 255, B: 255, A: 255}), size)
	require.Len(t, out, 3*size*size)
	want := (1 - clipMean[0]) / clipStd[0]
	assert.InDelta(t, want, out[0], 1e-3)
}

func TestToJPEG(t *testing.T) {
	data, err := ToJPEG(solid(10, 10, color.NRGBA{G: 255, A: 128}))
	require.NoError(t, err)
	d, err := Decode(data, 0)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", d.Format)
}

func TestIsSupportedExtension(t *testing.T) {
	assert.True(t, IsSupportedExtension("a/b/photo.JPG"))
	assert.True(t, IsSupportedExtension("x.webp"))
	assert.False(t, IsSupportedExtension("notes.txt"))
	assert.False(t, IsSupportedExtension("README"))
}
