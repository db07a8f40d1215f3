package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/ism/envconfig"
	"github.com/ollama/ism/logutil"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ism",
		Short: "Interval score matching guidance for differentiable renderers",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel(), envconfig.Format))
		},
	}

	cobra.EnableCommandSorting = false

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the timestep grid of a noise schedule",
		Args:  cobra.NoArgs,
		RunE:  ScheduleHandler,
	}
	scheduleCmd.Flags().String("family", string(DefaultFamily), "Scheduler family (ddim or euler)")
	scheduleCmd.Flags().String("config", "", "Path to a diffusers scheduler_config.json")
	scheduleCmd.Flags().Int("steps", 0, "Number of inference steps (default num_train_timesteps)")
	scheduleCmd.Flags().Int("every", 100, "Print every n-th index")

	optimizeCmd := &cobra.Command{
		Use:   "optimize",
		Short: "Optimize a toy canvas toward a color prompt",
		Args:  cobra.NoArgs,
		RunE:  OptimizeHandler,
	}
	optimizeCmd.Flags().StringP("prompt", "p", "a red square", "Prompt to optimize toward")
	optimizeCmd.Flags().StringSlice("negative", nil, "Negative prompts, enables perpendicular guidance")
	optimizeCmd.Flags().Float64("negative-weight", 1, "Weight of each negative prompt")
	optimizeCmd.Flags().String("options", "", "YAML or JSON file with guidance options")
	optimizeCmd.Flags().IntP("iterations", "n", 200, "Number of optimization steps")
	optimizeCmd.Flags().Float64("lr", 10, "Learning rate of the canvas")
	optimizeCmd.Flags().Int("size", 64, "Canvas size in pixels, a multiple of 8")
	optimizeCmd.Flags().Int("tile-size", 0, "Decode diagnostics in tiles of this many latent pixels (default: tile only above 512 pixels)")
	optimizeCmd.Flags().Bool("sds", false, "Use score distillation instead of interval score matching")
	optimizeCmd.Flags().Bool("remote", false, "Predict noise through the runner at ISM_RUNNER_HOST")
	optimizeCmd.Flags().String("precision", "f32", "Tensor precision exchanged with the runner: f32, f16 or bf16")
	optimizeCmd.Flags().String("out", "", "Directory for diagnostic strips (default ISM_VIS_DIR)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the toy noise predictor",
		Args:  cobra.NoArgs,
		RunE:  ServeHandler,
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show the environment variables ism reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printEnv(cmd.OutOrStdout())
			return nil
		},
	}

	rootCmd.AddCommand(
		scheduleCmd,
		optimizeCmd,
		serveCmd,
		envCmd,
	)

	return rootCmd
}

func printEnv(out io.Writer) {
	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"Variable", "Value", "Description"})
	table.SetBorder(false)
	for _, name := range names {
		v := vars[name]
		table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}
	table.Render()
}
