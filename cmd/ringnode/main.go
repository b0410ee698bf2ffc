package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "ringnode",
		Short: "A storage node's view of the consistent hashing ring",
		Long: `Ringnode runs the ring coordination of one storage node.
It connects to a coordination backend (memory, etcd or PostgreSQL), joins the
shared consistent hashing ring and keeps a live copy of it.

Every flag can also be set as an HRFS_* environment variable, e.g.
HRFS_BACKEND=etcd, or in the file given by --config.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var s, err = loadSettings(cmd.Flags())
			if err != nil {
				return err
			}
			return runNode(cmd.Context(), s)
		},
	}
	registerFlags(rootCmd.Flags())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
