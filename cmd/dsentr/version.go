package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dsentr version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("dsentr v0.4.1")
	},
}
