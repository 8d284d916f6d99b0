package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/smtpload/internal/mail"
)

var version = "0.1.0"

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "smtpload",
	Short:   "Load test SMTP servers",
	Version: version,
	Long: `smtpload sends email through an SMTP server from a pool of concurrent
workers and reports throughput, latency percentiles and failures.

Runs can be started from the command line or through the HTTP API
served by "smtpload serve".`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		// If no subcommand is provided, print help
		cmd.Help()
	},
}

// newSender builds the mail sender used by run and serve.
var newSender = func(logger *zap.Logger) mail.Sender {
	return mail.NewSMTPSender(logger)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return RootCmd.Execute()
}

func init() {
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(validateCmd)
}
