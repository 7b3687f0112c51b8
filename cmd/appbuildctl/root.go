package main

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultServerURL = "http://127.0.0.1:10000"

// newRootCmd creates the root appbuildctl command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:           "appbuildctl",
		Short:         "Submit build requests and follow their status",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("APPBUILD_SERVER_URL")
	if defaultURL == "" {
		defaultURL = defaultServerURL
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "server base URL (env APPBUILD_SERVER_URL)")

	newClient := func() *client {
		return newHTTPClient(serverURL)
	}

	cmd.AddCommand(
		newSubmitCmd(newClient),
		newStatusCmd(newClient),
		newWaitCmd(newClient),
		newHealthCmd(newClient),
	)

	return cmd
}
