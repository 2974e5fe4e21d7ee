package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build metadata, injected at link time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("watchz %s (commit %s, %s, %s/%s)\n",
				Version, GitCommit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	})
}
