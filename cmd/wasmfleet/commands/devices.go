package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
)

func newDevicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect and manage the device registry",
		Long: `Inspect and manage the orchestrator's device registry.

Devices normally enter the registry through discovery announcements and
leave it through eviction; these commands exist to observe that process
and to intervene when needed.`,
	}

	cmd.AddCommand(newDevicesListCommand())
	cmd.AddCommand(newDevicesShowCommand())
	cmd.AddCommand(newDevicesForgetCommand())
	cmd.AddCommand(newDevicesRescanCommand())

	return cmd
}

func newDevicesListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		Example: `  # List all devices
  wasmfleet devices list

  # List as JSON
  wasmfleet devices list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var devices []fleet.DeviceDescriptor
			if err := newAPIClient().do(cmd.Context(), "GET", "/api/v1/devices", nil, &devices); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(devices)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tADDRESS\tHEALTH\tFAILURES\tLAST SEEN")
			for _, dev := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					dev.ID, dev.Name, dev.Address, dev.Health,
					dev.ConsecutiveFailures,
					dev.LastSeen.Local().Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}
	return cmd
}

func newDevicesShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show <device-id>",
		Short:   "Show one device in detail",
		Example: `  wasmfleet devices show edge-cam-04`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dev fleet.DeviceDescriptor
			if err := newAPIClient().do(cmd.Context(), "GET", "/api/v1/devices/"+args[0], nil, &dev); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(dev)
			}

			fmt.Printf("Device:        %s\n", dev.ID)
			if dev.Name != "" {
				fmt.Printf("Name:          %s\n", dev.Name)
			}
			fmt.Printf("Address:       %s\n", dev.Address)
			fmt.Printf("Health:        %s (%d consecutive failures)\n", dev.Health, dev.ConsecutiveFailures)
			if len(dev.Capabilities) > 0 {
				fmt.Printf("Capabilities:  %s\n", strings.Join(dev.Capabilities, ", "))
			}
			for name, value := range dev.Resources {
				fmt.Printf("Resource:      %s = %d\n", name, value)
			}
			fmt.Printf("Last seen:     %s\n", dev.LastSeen.Local().Format(time.RFC3339))
			fmt.Printf("Registered:    %s\n", dev.RegisteredAt.Local().Format(time.RFC3339))
			return nil
		},
	}
	return cmd
}

func newDevicesRescanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rescan",
		Short:   "Run a discovery cycle now",
		Long:    "Trigger an immediate discovery cycle instead of waiting for the next scheduled scan.",
		Example: `  wasmfleet devices rescan`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := newAPIClient().do(cmd.Context(), "POST", "/api/v1/devices/rescan", nil, nil); err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Println("Discovery cycle triggered")
			}
			return nil
		},
	}
	return cmd
}

func newDevicesForgetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forget <device-id>",
		Short: "Remove a device immediately",
		Long: `Remove a device from the registry without waiting for eviction.

Use this when decommissioning hardware. A device that is still announcing
itself will reappear on the next discovery cycle.`,
		Example: `  wasmfleet devices forget edge-cam-04`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient().do(cmd.Context(), "DELETE", "/api/v1/devices/"+args[0], nil, nil); err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("Device %s removed\n", args[0])
			}
			return nil
		},
	}
	return cmd
}
