package cli

import (
	"github.com/spf13/cobra"
)

type RunOptions struct {
	Sink      string
	StateFile string
	Entities  []string
	DryRun    bool
	MaxRounds int
}

// NewRunCmd runs the sync loop locally against a sink, standing in for the
// warehouse scheduler.
func NewRunCmd(a *app) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync into a local sink until no more data is pending",
		RunE: func(c *cobra.Command, args []string) error {
			return a.runPipeline(c, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Sink, "sink", "s", "", "Sink kind: none, mongo, sqlserver, snowflake (default: SINK_KIND)")
	cmd.Flags().StringVar(&opts.StateFile, "state-file", "", "State file for file-backed state (default: STATE_FILE)")
	cmd.Flags().StringSliceVarP(&opts.Entities, "entities", "e", nil, "Entities to include (default: all)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Extract without writing to the sink or saving state")
	cmd.Flags().IntVar(&opts.MaxRounds, "max-rounds", 10, "Maximum sync calls while more data is pending")
	return cmd
}

func NewServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync protocol over HTTP",
		RunE: func(c *cobra.Command, args []string) error {
			return a.serve(c, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}
