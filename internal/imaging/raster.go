package imaging

import (
	"image"
	"image/color"
	"image/draw"
)

// Raster is the pixel-addressable representation passed between pipeline
// stages. Samples are stored as non-premultiplied RGBA, four bytes per pixel,
// row-major. HasAlpha is fixed at creation and records whether the source
// carried an alpha channel; the fourth byte is always populated (255 for
// opaque sources) so transforms never branch per pixel.
type Raster struct {
	Width    int
	Height   int
	HasAlpha bool
	Pix      []uint8
}

func NewRaster(width, height int, hasAlpha bool) *Raster {
	return &Raster{
		Width:    width,
		Height:   height,
		HasAlpha: hasAlpha,
		Pix:      make([]uint8, width*height*4),
	}
}

func (r *Raster) offset(x, y int) int {
	return (y*r.Width + x) * 4
}

func (r *Raster) RGBA(x, y int) (uint8, uint8, uint8, uint8) {
	i := r.offset(x, y)
	return r.Pix[i], r.Pix[i+1], r.Pix[i+2], r.Pix[i+3]
}

func (r *Raster) SetRGBA(x, y int, red, green, blue, alpha uint8) {
	i := r.offset(x, y)
	r.Pix[i] = red
	r.Pix[i+1] = green
	r.Pix[i+2] = blue
	r.Pix[i+3] = alpha
}

func rasterFromImage(img image.Image) *Raster {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	nrgba := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(nrgba, nrgba.Bounds(), img, bounds.Min, draw.Src)

	r := &Raster{
		Width:    w,
		Height:   h,
		HasAlpha: imageHasAlpha(img),
		Pix:      nrgba.Pix,
	}
	return r
}

func (r *Raster) toImage() image.Image {
	return &image.NRGBA{
		Pix:    r.Pix,
		Stride: r.Width * 4,
		Rect:   image.Rect(0, 0, r.Width, r.Height),
	}
}

// imageHasAlpha mirrors what the decoded buffer says about its channel
// layout. Decoders that materialise an explicit alpha channel report true;
// everything else falls back to an opacity scan, so an opaque truecolor PNG
// (which the stdlib decodes into *image.RGBA) does not count as alpha.
func imageHasAlpha(img image.Image) bool {
	switch img.ColorModel() {
	case color.NRGBAModel, color.NRGBA64Model, color.AlphaModel, color.Alpha16Model:
		return true
	}
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return false
}
