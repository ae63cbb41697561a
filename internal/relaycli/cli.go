// Package relaycli is the chatwire command line: serve runs the relay,
// sweep runs one session maintenance pass, send smoke-tests an instance
// against a running relay.
package relaycli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatwire",
	Short: "Chat widget relay: instance targeting, streaming sessions, transcripts.",
	Long: `Chatwire relays chat messages between embedded page widgets and
externally hosted automation workflows, streaming responses back to the
browser. Instance targeting, session lifecycle, rate limits, and transcripts
live server-side; the page only ever holds a capability token.

  Quickstart:
    chatwire serve                      # run the relay (env or --config)
    chatwire sweep                      # close idle sessions, purge old ones
    chatwire send --message "hi"        # smoke-test against a running relay`,
	SilenceUsage: true,
}

// Main runs the chatwire CLI.
func Main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, sweepCmd, sendCmd)
	rootCmd.InitDefaultHelpCmd()
}
