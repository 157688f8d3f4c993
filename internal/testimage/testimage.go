// Package testimage builds deterministic synthetic photos for tests.
package testimage

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
)

// Blocky returns a w x h image made of an 8x8 grid of pseudo-random colored
// cells. Different seeds give visually unrelated images.
func Blocky(seed int64, w, h int) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 -- test fixtures only
	var cells [8][8]color.NRGBA
	for y := range cells {
		for x := range cells[y] {
			cells[y][x] = color.NRGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			}
		}
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, cells[y*8/h][x*8/w])
		}
	}
	return img
}

// Nudge returns a copy of img with one pixel brightened by a single level.
func Nudge(img *image.NRGBA) *image.NRGBA {
	out := image.NewNRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	c := out.NRGBAAt(0, 0)
	if c.R < 255 {
		c.R++
	} else {
		c.R--
	}
	out.SetNRGBA(0, 0, c)
	return out
}

// PNG encodes img and panics on failure, which cannot happen for in-memory
// NRGBA images.
func PNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
