// Package standardize converts raw downloaded images into the canonical stored
// form: opaque 8-bit RGB PNG, EXIF orientation applied, metadata stripped and
// bounded dimensions.
package standardize

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	// Decoders for the extra formats listings serve.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
)

// OutputContentType is the MIME type of every standardized image.
const OutputContentType = "image/png"

var supportedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/bmp",
	"image/tiff",
}

// Config bounds the work done per image.
type Config struct {
	MaxRawBytes  int64 `mapstructure:"max_raw_bytes"`
	MaxPixels    int64 `mapstructure:"max_pixels"`
	MaxDimension int   `mapstructure:"max_dimension"`
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxRawBytes:  50 << 20,
		MaxPixels:    50_000_000,
		MaxDimension: 2048,
	}
}

// Output is a standardized image.
type Output struct {
	PNG    []byte
	Width  int
	Height int
	// Image is the flattened pixel data PNG was encoded from.
	Image image.Image
}

// Standardizer is stateless and safe for concurrent use.
type Standardizer struct {
	cfg     Config
	encoder png.Encoder
}

// New returns a Standardizer, filling zero limits from DefaultConfig.
func New(cfg Config) *Standardizer {
	def := DefaultConfig()
	if cfg.MaxRawBytes <= 0 {
		cfg.MaxRawBytes = def.MaxRawBytes
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = def.MaxPixels
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = def.MaxDimension
	}
	return &Standardizer{cfg: cfg, encoder: png.Encoder{CompressionLevel: png.DefaultCompression}}
}

// Standardize returns the canonical PNG bytes and their dimensions.
func (s *Standardizer) Standardize(raw []byte) ([]byte, int, int, error) {
	out, err := s.Process(raw)
	if err != nil {
		return nil, 0, 0, err
	}
	return out.PNG, out.Width, out.Height, nil
}

// Process runs the full pipeline and keeps the decoded pixels for callers that
// hash them next.
func (s *Standardizer) Process(raw []byte) (Output, error) {
	if int64(len(raw)) > s.cfg.MaxRawBytes {
		return Output{}, &ingest.SizeLimitError{What: "raw bytes", Value: int64(len(raw)), Limit: s.cfg.MaxRawBytes}
	}
	if err := checkSignature(raw); err != nil {
		return Output{}, err
	}

	hdr, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Output{}, &ingest.ProcessingError{Op: "decode header", Cause: err}
	}
	if pixels := int64(hdr.Width) * int64(hdr.Height); pixels > s.cfg.MaxPixels {
		return Output{}, &ingest.SizeLimitError{What: "pixel count", Value: pixels, Limit: s.cfg.MaxPixels}
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return Output{}, &ingest.ProcessingError{Op: "decode", Cause: err}
	}

	b := img.Bounds()
	if b.Dx() > s.cfg.MaxDimension || b.Dy() > s.cfg.MaxDimension {
		img = imaging.Fit(img, s.cfg.MaxDimension, s.cfg.MaxDimension, imaging.Lanczos)
		b = img.Bounds()
	}
	if b.Dx() == 0 || b.Dy() == 0 {
		return Output{}, &ingest.ProcessingError{Op: "decode", Cause: fmt.Errorf("empty image")}
	}

	// Flattening onto white drops alpha so the encoder always writes RGB.
	flat := imaging.New(b.Dx(), b.Dy(), color.White)
	flat = imaging.Overlay(flat, img, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := s.encoder.Encode(&buf, flat); err != nil {
		return Output{}, &ingest.ProcessingError{Op: "encode", Cause: err}
	}
	return Output{PNG: buf.Bytes(), Width: b.Dx(), Height: b.Dy(), Image: flat}, nil
}

func checkSignature(raw []byte) error {
	mt := mimetype.Detect(raw)
	for _, t := range supportedTypes {
		if mt.Is(t) {
			return nil
		}
	}
	return &ingest.FormatError{Detected: mt.String()}
}
