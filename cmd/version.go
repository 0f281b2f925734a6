package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X github.com/alexferrari88/xpost-dl/cmd.version=..."
var version = "v0.1.0"

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of xpost-dl",
	Long:  `Display the current version of the app.`,
	// version needs no configuration
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "xpost-dl %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
