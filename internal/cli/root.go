package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

// annotationDaemon marks long-running commands that keep the configured
// log level.
const annotationDaemon = "areg/daemon"

var verbose bool

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

var rootCmd = &cobra.Command{
	Use:   "areg",
	Short: "Agent Registry - registry and health propagation for agents and services",
	Long: `Agent Registry (areg) tracks agents, leaders, servers, databases,
departments and divisions, scores their health from heartbeats and
propagates degradation along declared dependencies.

Every state change is appended to an event log and fanned out to
subscribers over webhooks, polling, websockets, redis, kafka or files.
Run "areg serve" for the REST API and background jobs, or use the
commands below directly against the local store.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		quietLogs(cmd)
	},
}

// quietLogs limits one-shot commands to error logs so their output stays
// readable.
func quietLogs(cmd *cobra.Command) {
	if LogLevel == nil || verbose || cmd.Annotations[annotationDaemon] != "" {
		return
	}
	if LogLevel.Level() < zapcore.ErrorLevel {
		LogLevel.SetLevel(zapcore.ErrorLevel)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "areg %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "keep the configured log level for one-shot commands")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
