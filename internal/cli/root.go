// Package cli implements pipelinectl, the operator tool over the job and
// correlation stores.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/grievance-pipeline/internal/jobstore"
	"github.com/cuongbtq/grievance-pipeline/internal/synchronizer"
)

// Backend is what the commands read and write
type Backend struct {
	Jobs         jobstore.Store
	Correlations synchronizer.CorrelationStore
}

// Opener connects to the stores named by the config file. The returned
// func releases the connections.
type Opener func(ctx context.Context, configPath string) (*Backend, func(), error)

type app struct {
	open       Opener
	configPath string
	jsonOut    bool
	backend    *Backend
}

// NewRootCmd builds the command tree
func NewRootCmd(open Opener) *cobra.Command {
	a := &app{open: open}

	root := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "Inspect and maintain the grievance job pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "configs/api-service/config.yaml", "Path to configuration file")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "JSON output")

	root.AddCommand(
		newStatusCmd(a),
		newListCmd(a),
		newSessionCmd(a),
		newPurgeCmd(a),
	)
	return root
}

// withBackend opens the stores for the duration of one command
func (a *app) withBackend(run func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		b, closeFn, err := a.open(cmd.Context(), a.configPath)
		if err != nil {
			return fmt.Errorf("failed to open stores: %w", err)
		}
		defer closeFn()

		a.backend = b
		return run(cmd, args)
	}
}

func (a *app) printJSON(w io.Writer, v any) error {
	return newEncoder(w).Encode(v)
}
