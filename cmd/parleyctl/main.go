// Command parleyctl talks to a running parley server: it streams chat turns
// over the websocket and manages conversations and memories over HTTP.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	baseURL string
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "parleyctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "parleyctl",
		Short:         "Client for the parley chat memory service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
			if opts.baseURL == "" {
				return fmt.Errorf("base-url is required")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "base-url", getenv("PARLEY_BASE_URL", "http://127.0.0.1:8080"), "parley server base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "HTTP request timeout")

	root.AddCommand(chatCmd(opts), memoryCmd(opts), conversationsCmd(opts))
	return root
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}
