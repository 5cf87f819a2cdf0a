// Command darkauth runs the DarkAuth identity provider: OPAQUE password
// auth, OIDC issuance, and the admin/RBAC surface assembled by package
// server. The command layout (root + serve + version, YAML config file,
// oklog/run-managed graceful shutdown, go-sundheit health checks) is
// grounded on dexidp/dex's cmd/dex.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use: "darkauth",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	rootCmd.AddCommand(commandServe())
	rootCmd.AddCommand(commandVersion())
	return rootCmd
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
}
