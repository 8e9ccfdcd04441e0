package detect

import (
	"fmt"
	"image"
	"image/color"
)

// PixelFormat describes the byte layout of Image.Pix.
type PixelFormat int

const (
	// PixelFormatBGRA8 is 4 bytes per pixel, blue first, as delivered by the
	// photo/video camera.
	PixelFormatBGRA8 PixelFormat = iota
	// PixelFormatGray8 is 1 byte per pixel, as delivered by the front
	// tracking cameras.
	PixelFormatGray8
)

// BytesPerPixel returns the stride of one pixel, or 0 for unknown formats.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatBGRA8:
		return 4
	case PixelFormatGray8:
		return 1
	default:
		return 0
	}
}

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatBGRA8:
		return "bgra8"
	case PixelFormatGray8:
		return "gray8"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Image is a tightly packed frame buffer.
type Image struct {
	Pix    []byte
	Width  int
	Height int
	Format PixelFormat
}

// Validate checks the dimensions against the buffer length.
func (im Image) Validate() error {
	bpp := im.Format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("unsupported pixel format %s", im.Format)
	}
	if im.Width <= 0 || im.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", im.Width, im.Height)
	}
	if need := im.Width * im.Height * bpp; len(im.Pix) < need {
		return fmt.Errorf("image buffer too short: %d bytes for %dx%d %s (need %d)",
			len(im.Pix), im.Width, im.Height, im.Format, need)
	}
	return nil
}

// RGBA converts the frame to a standard library image for encoding.
func (im Image) RGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, im.Width, im.Height))
	n := im.Width * im.Height
	for i := 0; i < n; i++ {
		switch im.Format {
		case PixelFormatGray8:
			v := im.Pix[i]
			out.Pix[4*i], out.Pix[4*i+1], out.Pix[4*i+2] = v, v, v
		default:
			out.Pix[4*i] = im.Pix[4*i+2]
			out.Pix[4*i+1] = im.Pix[4*i+1]
			out.Pix[4*i+2] = im.Pix[4*i]
		}
		out.Pix[4*i+3] = 0xff
	}
	return out
}

// FromImage converts any decoded image into a BGRA8 frame. Grayscale inputs
// become Gray8 frames.
func FromImage(src image.Image) Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if g, ok := src.(*image.Gray); ok {
		pix := make([]byte, w*h)
		for y := 0; y < h; y++ {
			copy(pix[y*w:(y+1)*w], g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		return Image{Pix: pix, Width: w, Height: h, Format: PixelFormatGray8}
	}
	pix := make([]byte, 4*w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			i := 4 * (y*w + x)
			pix[i], pix[i+1], pix[i+2], pix[i+3] = c.B, c.G, c.R, c.A
		}
	}
	return Image{Pix: pix, Width: w, Height: h, Format: PixelFormatBGRA8}
}
