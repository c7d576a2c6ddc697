// Package avatar validates uploaded avatar images, derives a square PNG that
// fits the configured byte budget, and writes it to durable storage.
package avatar

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime"
	"strings"

	"golang.org/x/image/draw"
)

// MIMEType is the only accepted upload type.
const MIMEType = "image/png"

// MaxPixels bounds decoded image area to keep a hostile upload from
// exhausting memory.
const MaxPixels = 4096 * 4096

// Sizes are the square edge lengths tried in order, largest first.
var Sizes = []int{256, 192, 160, 128, 96, 64}

var signature = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}

var (
	// ErrUnsupportedType is returned for a declared MIME type other than PNG.
	ErrUnsupportedType = errors.New("avatar: unsupported type")

	// ErrBadSignature is returned when the bytes do not start with the PNG
	// signature or cannot be decoded as a PNG within the pixel limit.
	ErrBadSignature = errors.New("avatar: invalid png")

	// ErrTooLarge is returned when even the smallest derivative exceeds the
	// byte budget.
	ErrTooLarge = errors.New("avatar: exceeds byte budget")
)

// Pipeline turns an upload into a bounded-size square PNG. It holds no
// mutable state and is safe for concurrent use.
type Pipeline struct {
	maxBytes  int
	sizes     []int
	maxPixels int
	encoder   png.Encoder
}

// NewPipeline returns a pipeline producing images of at most maxBytes.
func NewPipeline(maxBytes int) *Pipeline {
	return &Pipeline{
		maxBytes:  maxBytes,
		sizes:     Sizes,
		maxPixels: MaxPixels,
		encoder:   png.Encoder{CompressionLevel: png.BestCompression},
	}
}

// Validate checks the declared MIME type and the leading PNG signature.
func (p *Pipeline) Validate(mimeType string, data []byte) error {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(mimeType))
	if err != nil || mediaType != MIMEType {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, mimeType)
	}
	if len(data) < len(signature) || !bytes.Equal(data[:len(signature)], signature) {
		return ErrBadSignature
	}
	return nil
}

// Process validates data and returns the largest derivative that fits the
// byte budget. The result is never larger than the budget.
func (p *Pipeline) Process(mimeType string, data []byte) ([]byte, error) {
	if err := p.Validate(mimeType, data); err != nil {
		return nil, err
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > p.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds pixel limit", ErrBadSignature, cfg.Width, cfg.Height)
	}

	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	crop := coverRect(src.Bounds())

	var buf bytes.Buffer
	for _, size := range p.sizes {
		dst := image.NewNRGBA(image.Rect(0, 0, size, size))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)

		buf.Reset()
		if err := p.encoder.Encode(&buf, dst); err != nil {
			return nil, fmt.Errorf("avatar: encode %dpx: %w", size, err)
		}
		if buf.Len() <= p.maxBytes {
			out := make([]byte, buf.Len())
			copy(out, buf.Bytes())
			return out, nil
		}
	}
	return nil, ErrTooLarge
}

// coverRect returns the centred square inside b, so that scaling it fills
// the target without distortion.
func coverRect(b image.Rectangle) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	side := min(w, h)
	x0 := b.Min.X + (w-side)/2
	y0 := b.Min.Y + (h-side)/2
	return image.Rect(x0, y0, x0+side, y0+side)
}
