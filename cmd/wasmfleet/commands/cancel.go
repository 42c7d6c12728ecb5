package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <deployment-id>",
		Short: "Cancel a deployment",
		Long: `Request cancellation of a deployment.

Cancellation is cooperative: the command returns once the request is
accepted, and the deployment finishes cancelling at its next evaluation
point. Already placed modules are undeployed. Cancelling a deployment that
already reached a terminal state is an error.`,
		Example: `  wasmfleet cancel 2f1c9a0e-8d3b-4f6a-9c27-5b1d0e4a7f31`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient().do(cmd.Context(), "DELETE", "/api/v1/deployments/"+args[0], nil, nil); err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("Cancellation requested for %s\n", args[0])
			}
			return nil
		},
	}
	return cmd
}
