package vae

import (
	"fmt"

	"github.com/ollama/ism/tensor"
)

// TilingConfig holds configuration for tiled decoding.
// Decoding in overlapping tiles bounds peak memory for large latents.
type TilingConfig struct {
	TileSize int // Tile size in latent space (e.g., 64 latent -> 512 pixels for 8x VAE)
	Overlap  int // Overlap in latent space (e.g., 16 latent = 25% of 64)
}

// DefaultTilingConfig returns reasonable defaults matching diffusers.
// tile_latent_min_size=64, tile_overlap_factor=0.25
func DefaultTilingConfig() *TilingConfig {
	return &TilingConfig{
		TileSize: 64,
		Overlap:  16,
	}
}

// decodedTile holds a decoded tile's planar pixel data and dimensions
type decodedTile struct {
	data     []float32
	channels int
	height   int
	width    int
}

func (t *decodedTile) at(c, y, x int) int {
	return (c*t.height+y)*t.width + x
}

// DecodeTiled decodes a single latent [1, C, H, W] in overlapping tiles and
// blends the seams.
//
// Parameters:
//   - latents: [1, C, H, W] latent tensor
//   - cfg: tiling configuration (tile size and overlap)
//   - decode: decodes one tile [1, C, h, w] -> [1, 3, h*scale, w*scale]
//
// Returns: [1, 3, H*scale, W*scale]
func DecodeTiled(latents *tensor.Tensor, cfg *TilingConfig, decode func(*tensor.Tensor) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	if latents.NDim() != 4 || latents.Dim(0) != 1 {
		return nil, fmt.Errorf("tiled decode expects [1, C, H, W], got %v", latents.Shape())
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.TileSize {
		return nil, fmt.Errorf("tile overlap %d must be in [0, %d)", cfg.Overlap, cfg.TileSize)
	}

	H, W := latents.Dim(2), latents.Dim(3)
	tileLatentSize := cfg.TileSize

	// If the latent is small enough, just decode normally
	if H <= tileLatentSize && W <= tileLatentSize {
		return decode(latents)
	}

	overlapSize := tileLatentSize - cfg.Overlap // stride in latent space

	// Phase 1: Decode all tiles and store in 2D grid
	var rows [][]decodedTile
	scale := 0
	for i := 0; i < H; i += overlapSize {
		var row []decodedTile
		for j := 0; j < W; j += overlapSize {
			// Extract tile (may be smaller at edges)
			i2 := min(i+tileLatentSize, H)
			j2 := min(j+tileLatentSize, W)

			decoded, err := decode(crop(latents, i, i2, j, j2))
			if err != nil {
				return nil, fmt.Errorf("decode tile (%d, %d): %w", i, j, err)
			}
			if scale == 0 {
				scale = decoded.Dim(2) / (i2 - i)
			}

			row = append(row, decodedTile{
				data:     decoded.Data(),
				channels: decoded.Dim(1),
				height:   decoded.Dim(2),
				width:    decoded.Dim(3),
			})
		}
		rows = append(rows, row)
	}

	tileSampleSize := tileLatentSize * scale
	blendExtent := cfg.Overlap * scale
	rowLimit := tileSampleSize - blendExtent // non-overlapping region per tile

	// Phase 2: Blend adjacent tiles (modifies in place)
	for i := range rows {
		for j := range rows[i] {
			tile := &rows[i][j]
			if i > 0 {
				blendV(&rows[i-1][j], tile, blendExtent)
			}
			if j > 0 {
				blendH(&rows[i][j-1], tile, blendExtent)
			}
		}
	}

	// Phase 3: Calculate crop dimensions for each tile
	colWidths := make([]int, len(rows[0]))
	for j := range rows[0] {
		keepW := rowLimit
		if (j+1)*overlapSize >= W {
			keepW = rows[0][j].width
		}
		colWidths[j] = keepW
	}

	rowHeights := make([]int, len(rows))
	for i := range rows {
		keepH := rowLimit
		if (i+1)*overlapSize >= H {
			keepH = rows[i][0].height
		}
		rowHeights[i] = keepH
	}

	var totalW, totalH int
	for _, w := range colWidths {
		totalW += w
	}
	for _, h := range rowHeights {
		totalH += h
	}

	// Phase 4: Assemble the final image plane by plane
	channels := rows[0][0].channels
	out := tensor.Zeros(1, channels, totalH, totalW)
	final := out.Data()

	dstY := 0
	for i, row := range rows {
		keepH := rowHeights[i]
		for y := range keepH {
			dstX := 0
			for j, tile := range row {
				keepW := colWidths[j]
				for c := range channels {
					dst := (c*totalH+dstY+y)*totalW + dstX
					src := tile.at(c, y, 0)
					copy(final[dst:dst+keepW], tile.data[src:src+keepW])
				}
				dstX += keepW
			}
		}
		dstY += keepH
	}

	return out, nil
}

// crop copies latents[:, :, i:i2, j:j2].
func crop(latents *tensor.Tensor, i, i2, j, j2 int) *tensor.Tensor {
	c, W := latents.Dim(1), latents.Dim(3)
	h, w := i2-i, j2-j
	src := latents.Data()

	out := tensor.Zeros(1, c, h, w)
	dst := out.Data()
	for ch := range c {
		for y := range h {
			from := (ch*latents.Dim(2)+i+y)*W + j
			copy(dst[(ch*h+y)*w:(ch*h+y+1)*w], src[from:from+w])
		}
	}
	return out
}

// blendV blends the bottom of 'above' tile into top of 'current' tile (vertical blend)
// Matches diffusers blend_v formula
func blendV(above, current *decodedTile, blendExtent int) {
	blend := min(blendExtent, above.height, current.height)
	if blend <= 0 {
		return
	}

	w := min(above.width, current.width)
	for c := range current.channels {
		for y := range blend {
			alpha := float32(y) / float32(blend)
			for x := range w {
				aboveIdx := above.at(c, above.height-blend+y, x)
				currIdx := current.at(c, y, x)
				current.data[currIdx] = above.data[aboveIdx]*(1-alpha) + current.data[currIdx]*alpha
			}
		}
	}
}

// blendH blends the right of 'left' tile into left of 'current' tile (horizontal blend)
// Matches diffusers blend_h formula
func blendH(left, current *decodedTile, blendExtent int) {
	blend := min(blendExtent, left.width, current.width)
	if blend <= 0 {
		return
	}

	h := min(left.height, current.height)
	for c := range current.channels {
		for y := range h {
			for x := range blend {
				alpha := float32(x) / float32(blend)
				leftIdx := left.at(c, y, left.width-blend+x)
				currIdx := current.at(c, y, x)
				current.data[currIdx] = left.data[leftIdx]*(1-alpha) + current.data[currIdx]*alpha
			}
		}
	}
}
