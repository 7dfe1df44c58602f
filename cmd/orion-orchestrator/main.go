// Command orion-orchestrator is the process entrypoint: it wires
// configuration, logging, the event bus, a device fleet and one
// Session behind two cobra subcommands. It is process bootstrap, not an
// interactive control surface — no network listener is opened here.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	root := &cobra.Command{
		Use:     "orion-orchestrator",
		Short:   "Task Orion distributed DAG orchestrator",
		Version: version,
	}

	root.AddCommand(runCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the orion-orchestrator version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
