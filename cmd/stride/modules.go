package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strideml/stride/internal/module"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List registered modules",
	Long:  "Modules lists every module name the config's module section can refer to.",
	RunE:  runModules,
}

func init() {
	rootCmd.AddCommand(modulesCmd)
}

func runModules(cmd *cobra.Command, args []string) error {
	names := module.List()
	if len(names) == 0 {
		fmt.Println("No modules registered")
		return nil
	}

	fmt.Printf("Registered modules (%d):\n", len(names))
	for _, name := range names {
		fmt.Printf("  %s\n", name)
	}
	return nil
}
