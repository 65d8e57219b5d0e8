package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ExitError carries a remote command's non-zero exit status out of the CLI.
type ExitError struct {
	Code int
}

func (e ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Code)
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	app := &app{}

	rootCmd := &cobra.Command{
		Use:           "bpool",
		Short:         "buildpool (bpool): pooled build containers driven over a control connection",
		Long:          "bpool runs the in-container execution server, and allocates containers from a per-account limited pool to run commands in them.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("runtime", "", "container runtime: remote, local or docker (env BPOOL_RUNTIME)")
	flags.String("log-level", "", "log level (env BPOOL_LOG_LEVEL)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(app),
		newExecCmd(app),
		newBatchCmd(app),
	)

	return rootCmd
}
