// Package imaging validates, inspects, and resizes images.
package imaging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	// Registered decoders.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/hyperjump/niteru/internal/models"
)

// MaxPixels caps width*height so a small payload cannot declare a huge
// canvas that the decoder would allocate.
const MaxPixels = 64 << 20

// Formats lists the decodable image formats.
var Formats = []string{"png", "jpeg", "gif", "bmp", "webp"}

// Info describes a decoded image.
type Info struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
	SizeBytes int64  `json:"size_bytes"`
}

// Decoded is an image that passed validation.
type Decoded struct {
	Info
	Image image.Image
}

// Decode validates data and decodes it. Empty input, input above maxBytes
// (when positive), canvases above MaxPixels, unknown formats and corrupt
// payloads yield an InvalidImageError.
func Decode(data []byte, maxBytes int64) (*Decoded, error) {
	if len(data) == 0 {
		return nil, &models.InvalidImageError{Reason: "empty input"}
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, &models.InvalidImageError{Reason: fmt.Sprintf("%d bytes exceeds limit of %d", len(data), maxBytes)}
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &models.InvalidImageError{Reason: "unrecognized format", Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &models.InvalidImageError{Reason: fmt.Sprintf("invalid dimensions %dx%d", cfg.Width, cfg.Height)}
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, &models.InvalidImageError{Reason: fmt.Sprintf("%dx%d exceeds limit of %d pixels", cfg.Width, cfg.Height, MaxPixels)}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &models.InvalidImageError{Reason: "corrupt " + format, Err: err}
	}
	return &Decoded{
		Info: Info{
			Width:     cfg.Width,
			Height:    cfg.Height,
			Format:    format,
			SizeBytes: int64(len(data)),
		},
		Image: img,
	}, nil
}

// ContentHash returns the hex sha256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Resize scales img so that its longer side is maxSide, keeping the aspect ratio.
// Images already within bounds are copied unscaled.
func Resize(img image.Image, maxSide int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide > 0 && (w > maxSide || h > maxSide) {
		if w >= h {
			h = max(1, h*maxSide/w)
			w = maxSide
		} else {
			w = max(1, w*maxSide/h)
			h = maxSide
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Thumbnail renders img as a JPEG whose longer side is at most maxSide.
func Thumbnail(img image.Image, maxSide int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Resize(img, maxSide), &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// ToJPEG encodes img as an RGB JPEG. Alpha is composited onto white.
func ToJPEG(img image.Image) ([]byte, error) {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// CLIP preprocessing constants.
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Tensor converts img to a 1x3xSxS float tensor in CHW order: the image is
// resized so its shorter side is size, center-cropped, scaled to [0,1] and
// normalized per channel.
func Tensor(img image.Image, size int) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var sw, sh int
	if w <= h {
		sw, sh = size, max(size, h*size/w)
	} else {
		sw, sh = max(size, w*size/h), size
	}
	scaled := image.NewRGBA(image.Rect(0, 0, sw, sh))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), img, b, draw.Src, nil)

	x0, y0 := (sw-size)/2, (sh-size)/2
	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := scaled.PixOffset(x0+x, y0+y)
			px := scaled.Pix[off : off+3]
			for c := 0; c < 3; c++ {
				out[c*plane+y*size+x] = (float32(px[c])/255 - clipMean[c]) / clipStd[c]
			}
		}
	}
	return out
}

// IsSupportedExtension reports whether a file name has an image extension we decode.
func IsSupportedExtension(name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return false
	}
	switch strings.ToLower(name[i+1:]) {
	case "png", "jpg", "jpeg", "gif", "bmp", "webp":
		return true
	}
	return false
}

// ContentType returns the MIME type for a decoded format name.
func ContentType(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png", "gif", "bmp", "webp":
		return "image/" + format
	}
	return "application/octet-stream"
}
