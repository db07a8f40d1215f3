// Package visualize renders the periodic diagnostic strip of a guidance step.
package visualize

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/ollama/ism/guidance"
	"github.com/ollama/ism/tensor"
)

// Visualizer writes one JPEG per visualization iteration into Dir.
type Visualizer struct {
	Dir     string
	NRow    int
	Padding int
	Quality int
}

// New returns a Visualizer with the make_grid layout (8 per row, 2 pixels
// of padding).
func New(dir string) *Visualizer {
	return &Visualizer{Dir: dir, NRow: 8, Padding: 2, Quality: 90}
}

// FileName is the name of the strip written for an iteration.
func FileName(iteration, prevT int) string {
	return fmt.Sprintf("iter_%d_step_%d.jpg", iteration, prevT)
}

func (v *Visualizer) Visualize(ctx context.Context, d guidance.Diagnostics) error {
	strip, err := Strip(ctx, d)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(v.Dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(v.Dir, FileName(d.Iteration, d.PrevT))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := WriteJPEG(f, strip, v.NRow, v.Padding, v.Quality); err != nil {
		return err
	}

	slog.Debug("wrote diagnostics", "path", path)
	return f.Close()
}

// Strip stacks the diagnostic panels along the batch axis: rendered rgb, depth,
// alpha, saturation, latent preview, x0 latent preview, gradient map, decoded
// unguided x0 and decoded guided x0. Every panel is [B, 3, H, W] at the
// rendered resolution.
func Strip(ctx context.Context, d guidance.Diagnostics) (*tensor.Tensor, error) {
	if d.RGB == nil || d.RGB.NDim() != 4 {
		return nil, fmt.Errorf("diagnostics need rgb [B, 3, H, W]")
	}
	h, w := d.RGB.Dim(2), d.RGB.Dim(3)

	sources := []func() (*tensor.Tensor, error){
		func() (*tensor.Tensor, error) { return d.RGB, nil },
		func() (*tensor.Tensor, error) { return d.Depth, nil },
		func() (*tensor.Tensor, error) { return d.Alpha, nil },
		func() (*tensor.Tensor, error) { return Saturation(d.RGB, d.Alpha), nil },
		func() (*tensor.Tensor, error) { return LatentToRGB(d.Latents) },
		func() (*tensor.Tensor, error) { return LatentToRGB(d.PredX0Uncond) },
		func() (*tensor.Tensor, error) { return GradientMap(d.Grad), nil },
		func() (*tensor.Tensor, error) { return d.DecodedUncond, nil },
		func() (*tensor.Tensor, error) { return d.DecodedGuided, nil },
	}

	panels := make([]*tensor.Tensor, len(sources))
	g, _ := errgroup.WithContext(ctx)
	for i, source := range sources {
		g.Go(func() error {
			t, err := source()
			if err != nil {
				return err
			}
			if t == nil {
				return fmt.Errorf("diagnostic panel %d is missing", i)
			}
			panels[i], err = Resize(t, h, w)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return tensor.Concat(0, panels...), nil
}
