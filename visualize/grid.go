package visualize

import (
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/ollama/ism/tensor"
)

// Grid lays out images [N, 3, H, W] in rows of nrow with padding pixels of
// black between and around them.
func Grid(images *tensor.Tensor, nrow, padding int) (*image.RGBA, error) {
	shape := images.Shape()
	if len(shape) != 4 || shape[1] != 3 {
		return nil, fmt.Errorf("expected images [N, 3, H, W], got %v", shape)
	}
	if nrow <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid grid layout nrow=%d padding=%d", nrow, padding)
	}

	n, H, W := shape[0], shape[2], shape[3]
	cols := min(nrow, n)
	rows := (n + cols - 1) / cols
	cellH, cellW := H+padding, W+padding

	grid := image.NewRGBA(image.Rect(0, 0, cols*cellW+padding, rows*cellH+padding))
	pix := grid.Pix
	for i := range len(pix) / 4 {
		pix[i*4+3] = 255
	}

	data := images.Data()
	for k := range n {
		oy := (k/cols)*cellH + padding
		ox := (k%cols)*cellW + padding
		plane := data[k*3*H*W : (k+1)*3*H*W]
		for y := range H {
			for x := range W {
				src := y*W + x
				dst := grid.PixOffset(ox+x, oy+y)
				pix[dst+0] = uint8(clampF(plane[src]*255+0.5, 0, 255))
				pix[dst+1] = uint8(clampF(plane[H*W+src]*255+0.5, 0, 255))
				pix[dst+2] = uint8(clampF(plane[2*H*W+src]*255+0.5, 0, 255))
			}
		}
	}
	return grid, nil
}

// WriteJPEG encodes a grid of images to w.
func WriteJPEG(w io.Writer, images *tensor.Tensor, nrow, padding, quality int) error {
	img, err := Grid(images, nrow, padding)
	if err != nil {
		return err
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}
