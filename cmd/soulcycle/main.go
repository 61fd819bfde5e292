package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	envFile    string
}

func main() {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "soulcycle",
		Short:         "soulcycle: caching data-sync gateway with poll voting",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "soulcycle.yaml", "path to config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the config is expanded")

	root.AddCommand(
		newServeCmd(flags),
		newCacheCmd(flags),
		newVoteCmd(flags),
		newResultsCmd(flags),
		newMCPCmd(flags),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
