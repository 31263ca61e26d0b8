package capture

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// Tensor is a fixed-size RGBA pixel buffer ready for the inference worker.
type Tensor struct {
	Pixels []byte // RGBA, row-major
	Width  int
	Height int
}

// ToTensor decodes a frame and renders it into an RGBA buffer of the given
// dimensions, scaling when the decoded size differs. width/height of zero use
// the decoded size as-is.
func ToTensor(frame *Frame, width, height int) (*Tensor, error) {
	img, _, err := image.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	b := img.Bounds()
	if width <= 0 || height <= 0 {
		width, height = b.Dx(), b.Dy()
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("frame has no dimensions")
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	return &Tensor{Pixels: dst.Pix, Width: width, Height: height}, nil
}

// EncodeJPEG renders a tensor back to JPEG, used for capture preview crops.
func (t *Tensor) EncodeJPEG(quality int) ([]byte, error) {
	img := &image.RGBA{
		Pix:    t.Pixels,
		Stride: 4 * t.Width,
		Rect:   image.Rect(0, 0, t.Width, t.Height),
	}
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}
	return buf.Bytes(), nil
}
