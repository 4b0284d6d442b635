package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the proton command tree.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "proton",
		Short:         "proton: a process supervisor for web applications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (.yaml, .yml or .toml)")

	root.AddCommand(newStartCommand(&cfgFile))
	root.AddCommand(newControlCommand(&cfgFile, reloadAction))
	root.AddCommand(newControlCommand(&cfgFile, stopAction))
	root.AddCommand(newControlCommand(&cfgFile, statusAction))
	return root
}

func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Personal.AI order the ending
