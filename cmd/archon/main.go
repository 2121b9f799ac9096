// Command archon runs the conversational workflow orchestrator as an HTTP
// service or an interactive terminal chat.
//
// Usage:
//
//	archon serve --config archon.yaml
//	archon chat --session demo
//	archon plugins list
//	archon plugins reload
//	archon version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "archon",
		Short: "Conversational agent workflow orchestrator",
		Long: `Archon drives a conversation through a fixed workflow graph: it scopes
the request, drafts code, waits for the next message and routes it to more
coding, a goodbye, or the generation of a new tool plugin. Failing steps
are retried and then escalated to a diagnostic step.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(
		serveCmd(&configPath),
		chatCmd(&configPath),
		pluginsCmd(&configPath),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "archon %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
		},
	}
}
