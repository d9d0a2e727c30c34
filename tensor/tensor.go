// Package tensor re-packs decoded pixel grids into the height x width x RGB
// byte layout consumed by the classifier.
package tensor

import "fmt"

const (
	// SourceChannels is the number of samples per decoded pixel: R, G, B, A.
	SourceChannels = 4
	// TensorChannels is the number of samples per tensor pixel: R, G, B.
	TensorChannels = 3
	// Rank is the number of tensor dimensions.
	Rank = 3
)

// Axis positions within Tensor.Dims. Height precedes width.
const (
	AxisHeight = iota
	AxisWidth
	AxisChannels
)

// PixelGrid is a decoded image: SourceChannels bytes per pixel, row-major,
// top row first.
type PixelGrid struct {
	Width   int
	Height  int
	Samples []byte
}

// Tensor is an image laid out as Dims = [height, width, 3] of RGB bytes.
type Tensor struct {
	Dims   [Rank]int
	Values []byte
}

func (t Tensor) Height() int { return t.dim(AxisHeight) }

func (t Tensor) Width() int { return t.dim(AxisWidth) }

func (t Tensor) Channels() int { return t.dim(AxisChannels) }

func (t Tensor) dim(axis int) int { return t.Dims[axis] }

// MalformedGridError reports a PixelGrid whose samples do not match its
// declared geometry. It indicates a decoder bug rather than bad user input.
type MalformedGridError struct {
	Width   int
	Height  int
	Samples int
}

func (e *MalformedGridError) Error() string {
	return fmt.Sprintf("malformed pixel grid: %dx%d with %d samples (want %d)",
		e.Width, e.Height, e.Samples, e.Width*e.Height*SourceChannels)
}

// FromGrid drops the alpha byte of every pixel, keeping pixel order.
func FromGrid(grid PixelGrid) (Tensor, error) {
	n := len(grid.Samples)
	if grid.Width <= 0 || grid.Height <= 0 || n%SourceChannels != 0 || n != grid.Width*grid.Height*SourceChannels {
		return Tensor{}, &MalformedGridError{Width: grid.Width, Height: grid.Height, Samples: n}
	}

	pixels := n / SourceChannels
	out := make([]byte, pixels*TensorChannels)
	for p := range pixels {
		src := grid.Samples[p*SourceChannels : p*SourceChannels+TensorChannels]
		copy(out[p*TensorChannels:(p+1)*TensorChannels], src)
	}

	return Tensor{
		Dims:   [Rank]int{grid.Height, grid.Width, TensorChannels},
		Values: out,
	}, nil
}
