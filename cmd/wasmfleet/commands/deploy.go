package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeployCommand() *cobra.Command {
	var (
		moduleIDs   []string
		retryBudget int
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Submit a deployment",
		Long: `Submit a deployment of one or more registered modules.

Modules are referenced by their catalog ID and placed in the order given;
multi-module requests form a pipeline placed step by step. The command
returns as soon as the deployment is accepted; use "wasmfleet status" to
follow its progress.`,
		Example: `  # Deploy a single module
  wasmfleet deploy --module image-classifier

  # Deploy a two-stage pipeline with a custom retry budget
  wasmfleet deploy --module camera-feed --module image-classifier --budget 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(moduleIDs) == 0 {
				return fmt.Errorf("at least one --module is required")
			}

			req := map[string]any{"module_ids": moduleIDs}
			if retryBudget > 0 {
				req["retry_budget"] = retryBudget
			}

			var resp struct {
				DeploymentID string `json:"deployment_id"`
			}
			if err := newAPIClient().do(cmd.Context(), "POST", "/api/v1/deployments", req, &resp); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resp)
			}
			fmt.Println(resp.DeploymentID)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&moduleIDs, "module", "m", nil, "module ID to deploy (repeatable, pipeline order)")
	cmd.Flags().IntVar(&retryBudget, "budget", 0, "placement attempt budget (0 uses the server default)")

	return cmd
}
