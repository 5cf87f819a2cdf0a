package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags; unset builds report "dev".
var Version = "dev"

func commandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("darkauth version: %s\ngo version: %s\ngo os/arch: %s/%s\n",
				Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
