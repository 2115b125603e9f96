package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cchalm/stockchat/internal/telemetry"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

// SetVersionInfo records the build information printed by the version command
func SetVersionInfo(v, commit, built string) {
	version = v
	gitCommit = commit
	buildTime = built
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		v := version
		if v == "dev" {
			v = telemetry.Version()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stockchat %s (commit %s, built %s)\n", v, gitCommit, buildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
