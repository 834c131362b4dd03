package main

import (
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "patchpilot",
		Short:         "Turn a natural-language request into verified theme edits",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newRunCmd(g), newResumeCmd(g))
	return cmd
}
