package imageprocessor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// InputSize is the square spatial size the backbone was trained on.
	InputSize = 224
	// Channels is the number of colour channels fed to the model.
	Channels = 3
	// DefaultMaxPixels bounds width*height before any pixel data is decoded.
	DefaultMaxPixels = 40_000_000
)

// Layout is the memory order of the tensor handed to the model.
type Layout int

const (
	// LayoutNHWC is batch, height, width, channel (Keras/TensorFlow exports).
	LayoutNHWC Layout = iota
	// LayoutNCHW is batch, channel, height, width (PyTorch exports).
	LayoutNCHW
)

func (l Layout) String() string {
	if l == LayoutNCHW {
		return "nchw"
	}
	return "nhwc"
}

// ParseLayout accepts "nhwc" or "nchw".
func ParseLayout(value string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "nhwc":
		return LayoutNHWC, nil
	case "nchw":
		return LayoutNCHW, nil
	}
	return LayoutNHWC, fmt.Errorf("unknown tensor layout %q", value)
}

// Normalization is the value range the backbone expects.
type Normalization int

const (
	// NormalizeUnit scales intensities to [0,1].
	NormalizeUnit Normalization = iota
	// NormalizeImageNet applies the ImageNet per-channel mean and std after scaling to [0,1].
	NormalizeImageNet
)

func (n Normalization) String() string {
	if n == NormalizeImageNet {
		return "imagenet"
	}
	return "unit"
}

// ParseNormalization accepts "unit" or "imagenet".
func ParseNormalization(value string) (Normalization, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "unit":
		return NormalizeUnit, nil
	case "imagenet":
		return NormalizeImageNet, nil
	}
	return NormalizeUnit, fmt.Errorf("unknown normalization %q", value)
}

var (
	imageNetMean = [Channels]float32{0.485, 0.456, 0.406}
	imageNetStd  = [Channels]float32{0.229, 0.224, 0.225}
)

// Tensor is a single-image model input with a leading batch dimension of 1.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Options configures a Preprocessor. Zero values select the defaults.
type Options struct {
	Size          int
	Layout        Layout
	Normalization Normalization
	MaxPixels     int
}

// Preprocessor turns raw upload bytes into model tensors. It holds no
// mutable state and is safe for concurrent use.
type Preprocessor struct {
	size          int
	layout        Layout
	normalization Normalization
	maxPixels     int
}

// New returns a Preprocessor for the given options.
func New(opts Options) *Preprocessor {
	if opts.Size <= 0 {
		opts.Size = InputSize
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	return &Preprocessor{
		size:          opts.Size,
		layout:        opts.Layout,
		normalization: opts.Normalization,
		maxPixels:     opts.MaxPixels,
	}
}

// Shape is the tensor shape every Process call produces.
func (p *Preprocessor) Shape() []int64 {
	s := int64(p.size)
	if p.layout == LayoutNCHW {
		return []int64{1, Channels, s, s}
	}
	return []int64{1, s, s, Channels}
}

// Process decodes raw, normalizes it to RGB, resizes it to the model input
// size without cropping and returns a freshly allocated tensor.
func (p *Preprocessor) Process(raw []byte) (*Tensor, error) {
	if len(raw) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Reason: "unrecognized image data", Err: err}
	}
	if cfg.ColorModel == color.AlphaModel || cfg.ColorModel == color.Alpha16Model {
		return nil, &UnsupportedFormatError{Format: format, Reason: "alpha-only images carry no colour"}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &UnsupportedFormatError{Format: format, Reason: "image has no pixels"}
	}
	if cfg.Width*cfg.Height > p.maxPixels {
		return nil, &UnsupportedFormatError{
			Format: format,
			Reason: fmt.Sprintf("%dx%d exceeds %d pixels", cfg.Width, cfg.Height, p.maxPixels),
		}
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Reason: "corrupt " + format + " data", Err: err}
	}

	rgb, err := toRGB(img, format)
	if err != nil {
		return nil, err
	}

	size := uint(p.size)
	resized := resize.Resize(size, size, rgb, resize.Bicubic)
	return p.tensorFrom(resized), nil
}

// toRGB composites img over an opaque white canvas. This drops alpha and
// expands grayscale, palette, CMYK and YCbCr sources to 8-bit RGB.
func toRGB(img image.Image, format string) (*image.RGBA, error) {
	switch img.(type) {
	case *image.Alpha, *image.Alpha16:
		return nil, &UnsupportedFormatError{Format: format, Reason: "alpha-only images carry no colour"}
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, &UnsupportedFormatError{Format: format, Reason: "image has no pixels"}
	}

	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(canvas, canvas.Bounds(), img, b.Min, draw.Over)
	return canvas, nil
}

func (p *Preprocessor) tensorFrom(img image.Image) *Tensor {
	size := p.size
	plane := size * size
	data := make([]float32, Channels*plane)

	rgba, fast := img.(*image.RGBA)
	b := img.Bounds()

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			var px [Channels]uint8
			if fast {
				off := rgba.PixOffset(b.Min.X+x, b.Min.Y+y)
				px = [Channels]uint8{rgba.Pix[off], rgba.Pix[off+1], rgba.Pix[off+2]}
			} else {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				px = [Channels]uint8{uint8(r >> 8), uint8(g >> 8), uint8(bl >> 8)}
			}

			for c := 0; c < Channels; c++ {
				v := float32(px[c]) / 255.0
				if p.normalization == NormalizeImageNet {
					v = (v - imageNetMean[c]) / imageNetStd[c]
				}

				if p.layout == LayoutNCHW {
					data[c*plane+y*size+x] = v
				} else {
					data[(y*size+x)*Channels+c] = v
				}
			}
		}
	}

	return &Tensor{Data: data, Shape: p.Shape()}
}
