// Package watermark stamps generated images with a brand strip before they
// are stored. Failures here are never fatal to the job: callers log and
// keep the unwatermarked image.
package watermark

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
)

const (
	stripHeightFrac = 0.045
	minStripHeight  = 16
)

var stripColor = color.NRGBA{R: 17, G: 17, B: 17, A: 140}

// Apply decodes img (PNG or JPEG), composites a translucent brand strip
// along the bottom edge, and returns the result re-encoded as PNG.
func Apply(img []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	out := image.NewNRGBA(bounds)
	draw.Draw(out, bounds, src, bounds.Min, draw.Src)

	stripH := int(float64(bounds.Dy()) * stripHeightFrac)
	if stripH < minStripHeight {
		stripH = minStripHeight
	}
	strip := image.Rect(bounds.Min.X, bounds.Max.Y-stripH, bounds.Max.X, bounds.Max.Y)
	draw.Draw(out, strip, &image.Uniform{C: stripColor}, image.Point{}, draw.Over)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode watermarked image: %w", err)
	}
	return buf.Bytes(), nil
}
