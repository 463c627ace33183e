package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neurogate/gateway/internal/constants"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print gatewayd's version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), constants.VerboseCLIVersion)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
