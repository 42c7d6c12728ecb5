package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var showEvents bool

	cmd := &cobra.Command{
		Use:   "status [deployment-id]",
		Short: "Show deployment status",
		Long: `Show the status of one deployment, or list all deployments when no ID
is given.`,
		Example: `  # List all deployments
  wasmfleet status

  # Show one deployment
  wasmfleet status 2f1c9a0e-8d3b-4f6a-9c27-5b1d0e4a7f31

  # Include the deployment's event log
  wasmfleet status 2f1c9a0e-8d3b-4f6a-9c27-5b1d0e4a7f31 --events`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()

			if len(args) == 0 {
				var deps []deploymentStatus
				if err := client.do(cmd.Context(), "GET", "/api/v1/deployments", nil, &deps); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(deps)
				}
				printDeploymentTable(deps)
				return nil
			}

			id := args[0]
			var dep deploymentStatus
			if err := client.do(cmd.Context(), "GET", "/api/v1/deployments/"+id, nil, &dep); err != nil {
				return err
			}

			var events []deploymentEvent
			if showEvents {
				if err := client.do(cmd.Context(), "GET", "/api/v1/deployments/"+id+"/events", nil, &events); err != nil {
					return err
				}
			}

			if jsonOutput {
				if showEvents {
					return printJSON(map[string]any{"deployment": dep, "events": events})
				}
				return printJSON(dep)
			}

			printDeployment(dep)
			if showEvents {
				fmt.Println()
				printEventTable(events)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showEvents, "events", false, "include the deployment's event log")

	return cmd
}

type deploymentEvent struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	DeviceID  *string   `json:"device_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func printDeploymentTable(deps []deploymentStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tREASON\tATTEMPTS\tPLACED\tUPDATED")
	for _, dep := range deps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d/%d\t%s\n",
			dep.ID, dep.State, dep.Reason,
			dep.Attempts, dep.RetryBudget,
			len(dep.Placements), len(dep.Modules),
			dep.UpdatedAt.Local().Format(time.RFC3339))
	}
	w.Flush()
}

func printDeployment(dep deploymentStatus) {
	fmt.Printf("Deployment:   %s\n", dep.ID)
	fmt.Printf("State:        %s\n", dep.State)
	if dep.Reason != "" {
		fmt.Printf("Reason:       %s\n", dep.Reason)
	}
	fmt.Printf("Attempts:     %d of %d\n", dep.Attempts, dep.RetryBudget)
	fmt.Printf("Modules:      %v\n", dep.Modules)
	for _, p := range dep.Placements {
		fmt.Printf("Placement:    %s on %s (since %s)\n",
			p.ModuleID, p.DeviceID, p.DeployedAt.Local().Format(time.RFC3339))
	}
	if len(dep.Excluded) > 0 {
		fmt.Printf("Excluded:     %v\n", dep.Excluded)
	}
	fmt.Printf("Created:      %s\n", dep.CreatedAt.Local().Format(time.RFC3339))
	if dep.CompletedAt != nil {
		fmt.Printf("Completed:    %s\n", dep.CompletedAt.Local().Format(time.RFC3339))
	}
}

func printEventTable(events []deploymentEvent) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tLEVEL\tDEVICE\tMESSAGE")
	for _, ev := range events {
		device := ""
		if ev.DeviceID != nil {
			device = *ev.DeviceID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			ev.Timestamp.Local().Format(time.RFC3339), ev.Level, device, ev.Message)
	}
	w.Flush()
}
