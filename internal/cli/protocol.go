package cli

import (
	"github.com/spf13/cobra"

	"github.com/BartekS5/possync/pkg/models"
)

type ProtocolOptions struct {
	RequestFile string
	Entities    []string
	Table       bool
}

// NewProtocolCmd builds the command for one protocol operation. The request
// is read from --request ("-" for stdin) and the response printed as JSON.
func NewProtocolCmd(a *app, operation, short string) *cobra.Command {
	opts := &ProtocolOptions{}

	cmd := &cobra.Command{
		Use:   operation,
		Short: short,
		RunE: func(c *cobra.Command, args []string) error {
			return a.runProtocol(c, models.Operation(operation), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.RequestFile, "request", "r", "-", "Path to request JSON, - for stdin")
	cmd.Flags().StringSliceVarP(&opts.Entities, "entities", "e", nil, "Entities to include (default: all)")
	if operation == string(models.OperationSchema) {
		cmd.Flags().BoolVar(&opts.Table, "table", false, "Print tables instead of JSON")
	}
	return cmd
}

func NewEntitiesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List the entity catalog",
		RunE: func(c *cobra.Command, args []string) error {
			return a.printEntities(c.OutOrStdout())
		},
	}
}
