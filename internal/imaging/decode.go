// Package imaging decodes clinical images and turns them into normalized
// backbone input tensors.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrEmptyImage is returned for zero-length payloads and zero-area images.
var ErrEmptyImage = errors.New("empty image")

// ErrTooManyPixels is returned when the header declares more pixels than allowed.
var ErrTooManyPixels = errors.New("image exceeds pixel limit")

// Decode decodes an encoded image (JPEG, PNG, GIF, BMP, TIFF or WebP) and
// returns it with the detected format name. When maxPixels is positive the
// header is checked first and larger images are rejected before any pixel
// buffer is allocated.
func Decode(data []byte, maxPixels int64) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	if maxPixels > 0 {
		cfg, _, err := DecodeConfig(data)
		if err != nil {
			return nil, "", err
		}
		if px := int64(cfg.Width) * int64(cfg.Height); px > maxPixels {
			return nil, "", fmt.Errorf("%w: %dx%d is %d pixels, limit %d",
				ErrTooManyPixels, cfg.Width, cfg.Height, px, maxPixels)
		}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", ErrEmptyImage
	}
	return img, format, nil
}

// DecodeConfig reads only the header and returns the format and dimensions.
func DecodeConfig(data []byte) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, "", fmt.Errorf("decode image header: %w", err)
	}
	return cfg, format, nil
}

// ToRGB converts any image (paletted, grayscale, CMYK, with alpha) into an
// opaque RGBA image anchored at the origin. Transparent regions are composited
// onto black, matching a plain RGB conversion that drops alpha after
// premultiplication.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
