package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/ism/guidance"
	"github.com/ollama/ism/vae"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cli := NewCLI()
	cli.SetArgs(args)
	cli.SetOut(&stdout)
	cli.SetErr(&stderr)
	err := cli.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestScheduleCommand(t *testing.T) {
	out, err := run(t, "schedule", "--every", "250")
	require.NoError(t, err)

	assert.Contains(t, out, "ddim schedule, 1000 steps")
	assert.Contains(t, out, "0.998296")
	for _, ind := range []string{"0", "250", "500", "750", "999"} {
		assert.Regexp(t, `(?m)^\s*`+ind+`\s`, out)
	}
}

func TestScheduleCommandEuler(t *testing.T) {
	out, err := run(t, "schedule", "--family", "euler", "--steps", "50", "--every", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "euler schedule, 50 steps")
}

func TestScheduleCommandConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"timestep_spacing": "trailing", "family": "euler"}`), 0o644))

	cfg, err := loadScheduleConfig(path, "")
	require.NoError(t, err)
	assert.Equal(t, "trailing", cfg.TimestepSpacing)
	assert.EqualValues(t, "euler", cfg.Family)
	assert.Equal(t, "scaled_linear", cfg.BetaSchedule)

	out, err := run(t, "schedule", "--config", path, "--steps", "10", "--every", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "euler schedule, 10 steps")

	_, err = run(t, "schedule", "--family", "heun")
	assert.Error(t, err)
}

func TestEnvCommand(t *testing.T) {
	out, err := run(t, "env")
	require.NoError(t, err)
	for _, name := range []string{"ISM_DEBUG", "ISM_RUNNER_HOST", "ISM_VIS_DIR", "ISM_NOISE_SEED"} {
		assert.Contains(t, out, name)
	}
}

func TestOptimizeCommand(t *testing.T) {
	dir := t.TempDir()
	options := filepath.Join(dir, "options.yaml")
	require.NoError(t, os.WriteFile(options, []byte("vis_interval: 4\nflip_augment: false\n"), 0o644))

	out, err := run(t, "optimize",
		"--prompt", "red",
		"--options", options,
		"--size", "16",
		"-n", "8",
		"--sds",
		"--out", filepath.Join(dir, "vis"),
	)
	require.NoError(t, err)
	assert.Contains(t, out, "canvas:")

	entries, err := os.ReadDir(filepath.Join(dir, "vis"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "iter_"))
}

func TestOptimizeTiledDecode(t *testing.T) {
	dir := t.TempDir()
	options := filepath.Join(dir, "options.yaml")
	require.NoError(t, os.WriteFile(options, []byte("vis_interval: 2\nflip_augment: false\n"), 0o644))

	_, err := run(t, "optimize",
		"--prompt", "green",
		"--options", options,
		"--size", "32",
		"--tile-size", "2",
		"-n", "2",
		"--sds",
		"--out", filepath.Join(dir, "vis"),
	)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "vis"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTilingFor(t *testing.T) {
	cases := []struct {
		name     string
		size     int
		tileSize int
		want     *vae.TilingConfig
	}{
		{"small canvas", 64, 0, nil},
		{"default tile size", 512, 0, nil},
		{"large canvas", 1024, 0, vae.DefaultTilingConfig()},
		{"explicit", 32, 8, &vae.TilingConfig{TileSize: 8, Overlap: 2}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tilingFor(tt.size, tt.tileSize))
		})
	}
}

func TestOptimizeMovesTowardPrompt(t *testing.T) {
	opts := guidance.DefaultOptions()
	opts.Resolution = [2]int{16, 16}
	opts.VisInterval = 0
	opts.SDS = true

	color, err := optimize(context.Background(), runConfig{
		Prompt:     "blue",
		Options:    opts,
		Iterations: 20,
		LR:         10,
		Size:       16,
	}, nil)
	require.NoError(t, err)
	assert.Greater(t, color[2], float32(0.6))
	assert.Less(t, color[0], float32(0.4))
}

func TestOptimizePerpNeg(t *testing.T) {
	opts := guidance.DefaultOptions()
	opts.Resolution = [2]int{16, 16}
	opts.VisInterval = 0
	opts.SDS = true

	steps := 0
	_, err := optimize(context.Background(), runConfig{
		Prompt:         "red",
		Negatives:      []string{"blue", "green"},
		NegativeWeight: 0.5,
		Options:        opts,
		Iterations:     3,
		LR:             1,
		Size:           16,
	}, func(int, *guidance.Result) { steps++ })
	require.NoError(t, err)
	assert.Equal(t, 3, steps)
}

func TestOptimizeRejectsBadFlags(t *testing.T) {
	_, err := run(t, "optimize", "--size", "12")
	assert.ErrorContains(t, err, "multiple of 8")

	_, err = run(t, "optimize", "-n", "0")
	assert.ErrorContains(t, err, "iterations")

	_, err = run(t, "optimize", "--tile-size=-1")
	assert.ErrorContains(t, err, "tile-size")

	_, err = run(t, "optimize", "--remote", "--precision", "f8")
	assert.ErrorContains(t, err, "unknown precision")
}
