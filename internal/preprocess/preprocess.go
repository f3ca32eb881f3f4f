// Package preprocess turns uploaded image bytes into the pixel grid the
// classifier model consumes.
//
// The grid carries raw 0-255 channel values with no rescaling. The trained
// model rescales internally; model metadata declares which preprocessing
// Version it was exported against so a mismatched artifact fails at load time
// instead of silently degrading predictions.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// Version identifies the pixel contract produced by this package:
	// RGB, HWC order, float32 values in [0,255], bicubic resize.
	Version = 1

	// Channels is the number of color channels in every grid.
	Channels = 3

	// LayoutHWC is the memory order of Grid.Data.
	LayoutHWC = "HWC"

	// DefaultMaxPixels caps width*height of an upload before it is decoded.
	DefaultMaxPixels = 8192 * 8192
)

var (
	// ErrUnsupportedFormat is wrapped by DecodeError when the payload is not
	// one of the accepted image types.
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrShape reports a pixel grid whose dimensions do not match.
	ErrShape = errors.New("pixel grid shape mismatch")

	// ErrTooManyPixels is wrapped by DecodeError when the image header
	// declares more pixels than the decoder is allowed to allocate.
	ErrTooManyPixels = errors.New("image dimensions exceed limit")

	errNoPixels = errors.New("image has no pixels")
)

// acceptedTypes lists the MIME types the registered decoders understand.
var acceptedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/bmp",
	"image/tiff",
	"image/webp",
}

// DecodeError reports upload bytes that could not be turned into an image.
type DecodeError struct {
	MIME string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.MIME != "" {
		return fmt.Sprintf("decode image (%s): %v", e.MIME, e.Err)
	}
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Grid is a height x width x channels float32 array in HWC order.
type Grid struct {
	Height   int
	Width    int
	Channels int
	Data     []float32
}

// Shape returns (height, width, channels).
func (g Grid) Shape() [3]int {
	return [3]int{g.Height, g.Width, g.Channels}
}

// NewGrid wraps caller-supplied pixel data after checking its length.
func NewGrid(height, width, channels int, data []float32) (Grid, error) {
	if height <= 0 || width <= 0 || channels <= 0 {
		return Grid{}, fmt.Errorf("%w: non-positive dimension %dx%dx%d", ErrShape, height, width, channels)
	}
	if want := height * width * channels; len(data) != want {
		return Grid{}, fmt.Errorf("%w: expected %d values, got %d", ErrShape, want, len(data))
	}
	return Grid{Height: height, Width: width, Channels: channels, Data: data}, nil
}

// Load decodes data and resizes it into a size x size RGB grid.
func Load(data []byte, size int) (Grid, error) {
	return LoadLimit(data, size, DefaultMaxPixels)
}

// LoadLimit is Load with an explicit cap on the source image's pixel count.
func LoadLimit(data []byte, size, maxPixels int) (Grid, error) {
	img, _, err := DecodeLimit(data, maxPixels)
	if err != nil {
		return Grid{}, err
	}
	return ToGrid(img, size)
}

// Decode sniffs and decodes an uploaded image. It returns the decoder's
// format name alongside the image.
func Decode(data []byte) (image.Image, string, error) {
	return DecodeLimit(data, DefaultMaxPixels)
}

// DecodeLimit is Decode with an explicit pixel cap. The header is read first
// so that a small file declaring huge dimensions is rejected before the
// decoder allocates its canvas. A non-positive maxPixels uses
// DefaultMaxPixels.
func DecodeLimit(data []byte, maxPixels int) (image.Image, string, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	mtype := mimetype.Detect(data)
	if !accepted(mtype) {
		return nil, "", &DecodeError{MIME: mtype.String(), Err: ErrUnsupportedFormat}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", &DecodeError{MIME: mtype.String(), Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", &DecodeError{MIME: mtype.String(), Err: errNoPixels}
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, "", &DecodeError{
			MIME: mtype.String(),
			Err:  fmt.Errorf("%w: %dx%d, limit %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels),
		}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &DecodeError{MIME: mtype.String(), Err: err}
	}
	if img.Bounds().Empty() {
		return nil, "", &DecodeError{MIME: mtype.String(), Err: errNoPixels}
	}
	return img, format, nil
}

// accepted walks the MIME hierarchy so subtypes such as APNG match their
// decodable parent.
func accepted(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if mimetype.EqualsAny(m.String(), acceptedTypes...) {
			return true
		}
	}
	return false
}

// ToGrid flattens img onto an opaque RGB canvas, resizes it to size x size
// and returns the raw channel values.
func ToGrid(img image.Image, size int) (Grid, error) {
	if size <= 0 {
		return Grid{}, fmt.Errorf("%w: target size %d", ErrShape, size)
	}
	if img.Bounds().Empty() {
		return Grid{}, &DecodeError{Err: errNoPixels}
	}

	rgb := opaqueRGB(img)

	var scaled image.Image = rgb
	if b := rgb.Bounds(); b.Dx() != size || b.Dy() != size {
		scaled = resize.Resize(uint(size), uint(size), rgb, resize.Bicubic)
	}

	data := make([]float32, size*size*Channels)
	b := scaled.Bounds()
	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.NRGBAModel.Convert(scaled.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			data[i] = float32(c.R)
			data[i+1] = float32(c.G)
			data[i+2] = float32(c.B)
			i += Channels
		}
	}

	return Grid{Height: size, Width: size, Channels: Channels, Data: data}, nil
}

// opaqueRGB copies img into an NRGBA canvas at origin with every alpha
// forced to 255, so grayscale, paletted and transparent sources all end up
// as plain RGB.
func opaqueRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}
