// Command synchsd runs an in-process demo network of replicas driving the
// replication core end to end, the ambient CLI entry point chainmaker-go's
// main/cmd package plays for the full node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{Use: "synchsd"}
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
		Short: "Print the synchsd version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Println("synchsd (dev)")
			return nil
		},
	}
}
