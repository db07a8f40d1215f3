package cmd

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/ollama/ism/envconfig"
	"github.com/ollama/ism/runner"
	"github.com/ollama/ism/schedule"
	"github.com/ollama/ism/toy"
	"github.com/ollama/ism/vae"
)

func ServeHandler(cmd *cobra.Command, args []string) error {
	host, err := envconfig.Runner()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", host)
	if err != nil {
		return err
	}

	s, err := schedule.New(schedule.DefaultConfig(), 0)
	if err != nil {
		return err
	}
	adapter := schedule.NewAdapter(s)
	predictor := &toy.TargetPredictor{
		Codec:   vae.NewCodec(vae.NewPatchAutoencoder(), vae.SDXLScalingFactor),
		AlphaAt: adapter.AlphaAt,
	}

	if !envconfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return runner.NewServer("toy", predictor).Serve(ctx, ln)
}
