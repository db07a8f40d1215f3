package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ollama/ism/autodiff"
	"github.com/ollama/ism/envconfig"
	"github.com/ollama/ism/guidance"
	"github.com/ollama/ism/progress"
	"github.com/ollama/ism/runner"
	"github.com/ollama/ism/schedule"
	"github.com/ollama/ism/toy"
	"github.com/ollama/ism/vae"
	"github.com/ollama/ism/visualize"
)

// runConfig is everything optimize needs after flag parsing.
type runConfig struct {
	Prompt         string
	Negatives      []string
	NegativeWeight float64
	Options        guidance.Options
	Iterations     int
	LR             float64
	Size           int
	TileSize       int
	Out            string
	Predictor      guidance.NoisePredictor
}

func OptimizeHandler(cmd *cobra.Command, args []string) error {
	rc, err := parseRunConfig(cmd)
	if err != nil {
		return err
	}

	p := progress.NewProgress(cmd.ErrOrStderr())
	bar := progress.NewStepBar("Optimizing", rc.Iterations)
	p.Add(bar)
	defer p.Stop()

	color, err := optimize(cmd.Context(), rc, func(it int, res *guidance.Result) {
		bar.Set(it+1, fmt.Sprintf("t=%d", res.T))
	})
	if err != nil {
		return err
	}
	p.Stop()

	printResult(cmd.OutOrStdout(), rc, color)
	return nil
}

func parseRunConfig(cmd *cobra.Command) (runConfig, error) {
	flags := cmd.Flags()
	rc := runConfig{Options: guidance.DefaultOptions()}

	if path, _ := flags.GetString("options"); path != "" {
		opts, err := guidance.LoadOptions(path)
		if err != nil {
			return runConfig{}, err
		}
		rc.Options = opts
	}
	if envconfig.NoiseSeedSet {
		rc.Options.NoiseSeed = envconfig.NoiseSeed
	}
	if flags.Changed("sds") {
		rc.Options.SDS, _ = flags.GetBool("sds")
	}

	rc.Prompt, _ = flags.GetString("prompt")
	rc.Negatives, _ = flags.GetStringSlice("negative")
	rc.NegativeWeight, _ = flags.GetFloat64("negative-weight")
	rc.Iterations, _ = flags.GetInt("iterations")
	rc.LR, _ = flags.GetFloat64("lr")
	rc.Size, _ = flags.GetInt("size")
	rc.TileSize, _ = flags.GetInt("tile-size")
	rc.Out, _ = flags.GetString("out")
	if rc.Out == "" {
		rc.Out = envconfig.VisDir
	}

	if rc.Size <= 0 || rc.Size%8 != 0 {
		return runConfig{}, fmt.Errorf("--size must be a positive multiple of 8, got %d", rc.Size)
	}
	if rc.TileSize < 0 {
		return runConfig{}, fmt.Errorf("--tile-size must not be negative, got %d", rc.TileSize)
	}
	if rc.Iterations <= 0 {
		return runConfig{}, fmt.Errorf("--iterations must be positive, got %d", rc.Iterations)
	}
	rc.Options.Resolution = [2]int{rc.Size, rc.Size}

	if remote, _ := flags.GetBool("remote"); remote {
		host, err := envconfig.Runner()
		if err != nil {
			return runConfig{}, err
		}
		client := runner.NewClient(host)
		precision, _ := flags.GetString("precision")
		if client.Precision, err = runner.ParsePrecision(precision); err != nil {
			return runConfig{}, err
		}
		if err := client.Health(cmd.Context()); err != nil {
			return runConfig{}, fmt.Errorf("runner at %s is not healthy: %w", host, err)
		}
		rc.Predictor = client
	}

	return rc, rc.Options.Validate()
}

// tilingFor picks the decode tiling for a canvas of size pixels. An explicit
// tile size wins; otherwise canvases whose latents exceed the default tile
// decode in default tiles.
func tilingFor(size, tileSize int) *vae.TilingConfig {
	if tileSize > 0 {
		return &vae.TilingConfig{TileSize: tileSize, Overlap: tileSize / 4}
	}
	if cfg := vae.DefaultTilingConfig(); size/8 > cfg.TileSize {
		return cfg
	}
	return nil
}

// optimize runs the guidance loop against a toy canvas and returns its final
// mean color.
func optimize(ctx context.Context, rc runConfig, onStep func(int, *guidance.Result)) ([3]float32, error) {
	s, err := schedule.New(schedule.DefaultConfig(), 0)
	if err != nil {
		return [3]float32{}, err
	}
	adapter := schedule.NewAdapter(s)
	codec := vae.NewCodec(vae.NewPatchAutoencoder(), vae.SDXLScalingFactor)
	codec.Tiling = tilingFor(rc.Size, rc.TileSize)

	predictor := rc.Predictor
	if predictor == nil {
		predictor = &toy.TargetPredictor{Codec: codec, AlphaAt: adapter.AlphaAt}
	}

	g, err := guidance.New(rc.Options, adapter, predictor, codec)
	if err != nil {
		return [3]float32{}, err
	}
	if rc.Options.VisInterval > 0 && rc.Out != "" {
		g.Visualizer = visualize.New(rc.Out)
	}

	prompts, inversion, err := encodePrompts(ctx, toy.ColorEncoder{}, rc)
	if err != nil {
		return [3]float32{}, err
	}

	canvas := toy.NewCanvas(rc.Size, rc.Size, toy.Neutral)
	sgd := toy.SGD{LR: float32(rc.LR), Min: 0, Max: 1}
	step := g.Step
	if len(rc.Negatives) > 0 {
		step = g.StepPerpNeg
	}

	for it := range rc.Iterations {
		if err := ctx.Err(); err != nil {
			return [3]float32{}, err
		}

		rgb, depth, alpha := canvas.Render()
		res, err := step(ctx, guidance.Input{
			RGB: rgb, Depth: depth, Alpha: alpha,
			Prompts:    prompts,
			Inversion:  inversion,
			GradScale:  1,
			Iteration:  it,
			WarmupRate: float64(it) / float64(rc.Iterations),
		})
		if err != nil {
			return [3]float32{}, fmt.Errorf("iteration %d: %w", it, err)
		}
		if err := autodiff.Backward(res.Loss, nil); err != nil {
			return [3]float32{}, err
		}
		sgd.Step(canvas.Pixels)

		if onStep != nil {
			onStep(it, res)
		}
	}

	color := canvas.MeanColor()
	slog.Info("optimization finished", "prompt", rc.Prompt, "mode", rc.Options.Mode(), "color", color)
	return color, nil
}

func encodePrompts(ctx context.Context, enc guidance.TextEncoder, rc runConfig) (guidance.Prompts, guidance.InversionPrompts, error) {
	uncond, err := enc.EncodePrompt(ctx, "")
	if err != nil {
		return guidance.Prompts{}, guidance.InversionPrompts{}, err
	}
	cond, err := enc.EncodePrompt(ctx, rc.Prompt)
	if err != nil {
		return guidance.Prompts{}, guidance.InversionPrompts{}, err
	}

	prompts := guidance.Prompts{Uncond: uncond, Conds: []guidance.Embedding{cond}}
	if len(rc.Negatives) > 0 {
		prompts.Weights = []float32{1}
		for _, neg := range rc.Negatives {
			e, err := enc.EncodePrompt(ctx, neg)
			if err != nil {
				return guidance.Prompts{}, guidance.InversionPrompts{}, err
			}
			prompts.Conds = append(prompts.Conds, e)
			prompts.Weights = append(prompts.Weights, -float32(rc.NegativeWeight))
		}
	}

	return prompts, guidance.InversionPrompts{Uncond: uncond, Cond: uncond}, nil
}

func printResult(out io.Writer, rc runConfig, color [3]float32) {
	fmt.Fprintf(out, "prompt:     %s\n", rc.Prompt)
	fmt.Fprintf(out, "target:     %.3f\n", toy.ColorOf(rc.Prompt))
	fmt.Fprintf(out, "canvas:     %.3f\n", color)
	if rc.Options.VisInterval > 0 && rc.Out != "" {
		fmt.Fprintf(out, "diagnostics: %s\n", rc.Out)
	}
}
