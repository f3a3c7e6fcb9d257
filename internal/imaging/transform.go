package imaging

import (
	"fmt"
	"math"

	"github.com/dunamismax/rasterflow/internal/domain"
)

// Transform is one deterministic raster-to-raster operation. Implementations
// are pure and total for any raster with width,height >= 1; a pipeline is
// constructed with exactly one of them.
type Transform interface {
	Kind() string
	OutputPrefix() string
	Apply(*Raster) *Raster
}

// For resolves a transform kind to its implementation.
func For(kind string) (Transform, error) {
	switch kind {
	case domain.TransformGrayscale:
		return Grayscale{}, nil
	case domain.TransformRotate90:
		return Rotate90{}, nil
	case domain.TransformResize:
		return ResizeBilinear{}, nil
	}
	return nil, fmt.Errorf("unknown transform kind: %s", kind)
}

// All returns one instance of every transform variant.
func All() []Transform {
	return []Transform{Grayscale{}, Rotate90{}, ResizeBilinear{}}
}

// Luminosity weights for grayscale conversion.
const (
	lumaRed   = 0.21
	lumaGreen = 0.72
	lumaBlue  = 0.07
)

// Grayscale replaces every pixel with its luminosity on all three channels.
// Rounding is to nearest with ties away from zero (math.Round), which keeps
// output bit-reproducible across platforms. Alpha is copied unchanged.
type Grayscale struct{}

func (Grayscale) Kind() string         { return domain.TransformGrayscale }
func (Grayscale) OutputPrefix() string { return "grayscale" }

func (Grayscale) Apply(in *Raster) *Raster {
	out := NewRaster(in.Width, in.Height, in.HasAlpha)
	for i := 0; i < len(in.Pix); i += 4 {
		gray := math.Round(
			lumaRed*float64(in.Pix[i]) +
				lumaGreen*float64(in.Pix[i+1]) +
				lumaBlue*float64(in.Pix[i+2]))
		if gray > 255 {
			gray = 255
		}
		g := uint8(gray)
		out.Pix[i] = g
		out.Pix[i+1] = g
		out.Pix[i+2] = g
		out.Pix[i+3] = in.Pix[i+3]
	}
	return out
}

// Rotate90 rotates the raster 90 degrees clockwise as a direct index
// permutation: out(x, y) = in(y, inHeight-1-x). No resampling is involved,
// so four applications reproduce the input bit for bit.
type Rotate90 struct{}

func (Rotate90) Kind() string         { return domain.TransformRotate90 }
func (Rotate90) OutputPrefix() string { return "rotated" }

func (Rotate90) Apply(in *Raster) *Raster {
	out := NewRaster(in.Height, in.Width, in.HasAlpha)
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			si := in.offset(y, in.Height-1-x)
			di := out.offset(x, y)
			copy(out.Pix[di:di+4], in.Pix[si:si+4])
		}
	}
	return out
}

// ResizeBilinear scales the raster to a fixed 128x128 output. Each output
// pixel samples the source at (x*inW/128, y*inH/128) with 2x2 bilinear
// weighting per channel, alpha included.
type ResizeBilinear struct{}

const (
	resizeTargetWidth  = 128
	resizeTargetHeight = 128
)

func (ResizeBilinear) Kind() string         { return domain.TransformResize }
func (ResizeBilinear) OutputPrefix() string { return "resized" }

func (ResizeBilinear) Apply(in *Raster) *Raster {
	out := NewRaster(resizeTargetWidth, resizeTargetHeight, in.HasAlpha)

	scaleX := float64(in.Width) / float64(resizeTargetWidth)
	scaleY := float64(in.Height) / float64(resizeTargetHeight)

	for y := 0; y < resizeTargetHeight; y++ {
		srcY := float64(y) * scaleY
		y0 := int(srcY)
		if y0 > in.Height-1 {
			y0 = in.Height - 1
		}
		y1 := y0 + 1
		if y1 > in.Height-1 {
			y1 = in.Height - 1
		}
		dy := srcY - float64(y0)

		for x := 0; x < resizeTargetWidth; x++ {
			srcX := float64(x) * scaleX
			x0 := int(srcX)
			if x0 > in.Width-1 {
				x0 = in.Width - 1
			}
			x1 := x0 + 1
			if x1 > in.Width-1 {
				x1 = in.Width - 1
			}
			dx := srcX - float64(x0)

			i00 := in.offset(x0, y0)
			i10 := in.offset(x1, y0)
			i01 := in.offset(x0, y1)
			i11 := in.offset(x1, y1)
			di := out.offset(x, y)

			for c := 0; c < 4; c++ {
				top := float64(in.Pix[i00+c])*(1-dx) + float64(in.Pix[i10+c])*dx
				bottom := float64(in.Pix[i01+c])*(1-dx) + float64(in.Pix[i11+c])*dx
				out.Pix[di+c] = uint8(math.Round(top*(1-dy) + bottom*dy))
			}
		}
	}
	return out
}
