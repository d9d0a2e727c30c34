// Package decoder turns baseline JPEG bytes into an RGBA pixel grid.
package decoder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/krau/snaptag/tensor"
)

// DecodeError reports bytes that are not a well-formed JPEG image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode returns the image as tensor.SourceChannels bytes per pixel
// (R, G, B, A), row-major, top row first. JPEG has no alpha so every A is 255.
func Decode(data []byte) (tensor.PixelGrid, error) {
	if len(data) == 0 {
		return tensor.PixelGrid{}, &DecodeError{Err: fmt.Errorf("empty input")}
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return tensor.PixelGrid{}, &DecodeError{Err: err}
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return tensor.PixelGrid{}, &DecodeError{Err: err}
	}

	b := img.Bounds()
	if b.Dx() != cfg.Width || b.Dy() != cfg.Height || b.Empty() {
		return tensor.PixelGrid{}, &DecodeError{
			Err: fmt.Errorf("decoded size %dx%d does not match header %dx%d", b.Dx(), b.Dy(), cfg.Width, cfg.Height),
		}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(dst, image.Point{}, img, b, draw.Src, nil)

	return tensor.PixelGrid{
		Width:   b.Dx(),
		Height:  b.Dy(),
		Samples: dst.Pix,
	}, nil
}
