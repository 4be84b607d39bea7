// Package cli implements presencectl, the operator command line for a
// running presence server.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Options holds the global flags.
type Options struct {
	ServerURL string
	Output    string
}

// DefaultOptions returns the defaults, honouring CLOUDTOWN_SERVER.
func DefaultOptions() *Options {
	opts := &Options{ServerURL: "http://localhost:5000", Output: "text"}
	if v := os.Getenv("CLOUDTOWN_SERVER"); v != "" {
		opts.ServerURL = v
	}
	return opts
}

// NewRootCmd creates the presencectl root command.
func NewRootCmd() *cobra.Command {
	opts := DefaultOptions()
	var client *Client

	rootCmd := &cobra.Command{
		Use:   "presencectl",
		Short: "Inspect a running cloudtown presence server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Output != "text" && opts.Output != "json" {
				return fmt.Errorf("unknown output format %q (want text or json)", opts.Output)
			}
			client = NewClient(opts.ServerURL)
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.ServerURL, "server", opts.ServerURL, "Server URL (env: CLOUDTOWN_SERVER)")
	rootCmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", opts.Output, "Output format: text, json")

	clientFn := func() *Client { return client }
	rootCmd.AddCommand(newHealthCmd(opts, clientFn))
	rootCmd.AddCommand(newRoomsCmd(opts, clientFn))
	rootCmd.AddCommand(newRoomCmd(opts, clientFn))

	return rootCmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
