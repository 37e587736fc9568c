// Command foundry is the operator CLI for the control plane: it never
// authors tasks or generates code itself, only manages supervisor state and
// the task queue and runs the control loop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "foundry",
		Short: "Foundry control plane for autonomous coding agents",
	}
	root.AddCommand(
		newInitStateCmd(),
		newSetGoalCmd(),
		newEnqueueCmd(),
		newHaltCmd(),
		newResumeCmd(),
		newStatusCmd(),
		newStartCmd(),
	)
	return root
}
