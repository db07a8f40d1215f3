package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/ism/schedule"
)

const DefaultFamily = schedule.FamilyDDIM

// loadScheduleConfig reads a diffusers scheduler_config.json over the SDXL
// defaults. An empty family flag keeps the file's family.
func loadScheduleConfig(path, family string) (*schedule.Config, error) {
	cfg := schedule.DefaultConfig()
	if path != "" {
		bts, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(bts, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if family != "" {
		cfg.Family = schedule.Family(family)
	}
	return cfg, nil
}

func newAdapter(cmd *cobra.Command) (*schedule.Adapter, error) {
	path, _ := cmd.Flags().GetString("config")
	family, _ := cmd.Flags().GetString("family")
	if path != "" && !cmd.Flags().Changed("family") {
		family = ""
	}

	cfg, err := loadScheduleConfig(path, family)
	if err != nil {
		return nil, err
	}

	steps, _ := cmd.Flags().GetInt("steps")
	s, err := schedule.New(cfg, steps)
	if err != nil {
		return nil, err
	}
	return schedule.NewAdapter(s), nil
}

func ScheduleHandler(cmd *cobra.Command, args []string) error {
	adapter, err := newAdapter(cmd)
	if err != nil {
		return err
	}

	every, _ := cmd.Flags().GetInt("every")
	return printSchedule(cmd.OutOrStdout(), adapter, max(every, 1))
}

func printSchedule(out io.Writer, adapter *schedule.Adapter, every int) error {
	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetHeader([]string{"Index", "Timestep", "Alpha", "Weight"})
	table.SetBorder(false)

	row := func(ind int) error {
		t, err := adapter.Timestep(ind)
		if err != nil {
			return err
		}
		alpha, err := adapter.AlphaAt(t)
		if err != nil {
			// the final grid point can lie past the alpha table
			table.Append([]string{strconv.Itoa(ind), strconv.Itoa(t), "-", "-"})
			return nil
		}
		table.Append([]string{
			strconv.Itoa(ind),
			strconv.Itoa(t),
			strconv.FormatFloat(alpha, 'f', 6, 64),
			strconv.FormatFloat(math.Sqrt((1-alpha)/alpha), 'f', 4, 64),
		})
		return nil
	}

	for ind := 0; ind < adapter.Len(); ind += every {
		if err := row(ind); err != nil {
			return err
		}
	}
	if last := adapter.Len() - 1; last%every != 0 {
		if err := row(last); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "%s schedule, %d steps\n", adapter.Family(), adapter.Len())
	table.Render()
	return nil
}
