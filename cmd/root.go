package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Entity mapping toolkit for MySQL-family databases",
	Long: `Tooling for projects built on the quarry entity layer.

The verify command checks a live database against a declared schema
manifest, reporting missing tables and columns before the application
ships against them.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(versionCmd)
}
