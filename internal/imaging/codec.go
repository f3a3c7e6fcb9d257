package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// FallbackFormat is substituted when the source format has no encoder or the
// encoder rejects the raster.
const FallbackFormat = "png"

const jpegQuality = 80

var ErrEncoderUnavailable = errors.New("no encoder for format")

// Decode reads an entire encoded image and returns it as a Raster together
// with the registry's format name. A nil raster with a non-nil error means
// the bytes were not a decodable image.
func Decode(r io.Reader) (*Raster, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	raster := rasterFromImage(img)
	if raster.Width < 1 || raster.Height < 1 {
		return nil, "", errors.New("decoded image has no pixels")
	}
	return raster, format, nil
}

// EncodeTo serialises the raster in the named format. The caller owns the
// fallback policy; EncodeTo itself never substitutes formats.
func EncodeTo(w io.Writer, r *Raster, format string) error {
	img := r.toImage()

	switch format {
	case "png":
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(w, img); err != nil {
			return fmt.Errorf("encode png: %w", err)
		}
	case "jpeg", "jpg":
		if err := jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return fmt.Errorf("encode jpeg: %w", err)
		}
	case "gif":
		if err := gif.Encode(w, img, nil); err != nil {
			return fmt.Errorf("encode gif: %w", err)
		}
	case "bmp":
		if err := bmp.Encode(w, img); err != nil {
			return fmt.Errorf("encode bmp: %w", err)
		}
	case "tiff":
		if err := tiff.Encode(w, img, nil); err != nil {
			return fmt.Errorf("encode tiff: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrEncoderUnavailable, format)
	}
	return nil
}

func Encode(r *Raster, format string) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeTo(&buf, r, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ContentTypeForFormat derives the stored object's content type when the
// source object did not declare one.
func ContentTypeForFormat(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "tiff":
		return "image/tiff"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
