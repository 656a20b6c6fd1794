package main

import (
	"os"

	"github.com/spf13/cobra"
)

var flagConfig string

// defaultConfigPath checks the CHRONOD_CONFIG env var before falling back to
// a config file next to the binary.
func defaultConfigPath() string {
	if p := os.Getenv("CHRONOD_CONFIG"); p != "" {
		return p
	}
	return "./config.json"
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "chronod",
		Short:        "chronod schedules named tasks and drains them through a durable queue",
		Long:         "chronod arms precise one-shot alarms for registered tasks, persists every unit of work before running it, and survives restarts by re-reading its store.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(), "path to config file, json or yaml (or CHRONOD_CONFIG env)")

	root.AddCommand(
		newRunCmd(),
		newTasksCmd(),
		newVersionCmd(),
	)

	return root
}
