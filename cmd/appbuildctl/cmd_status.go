package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/k11v/appbuild/internal/build"
)

// errJobFailed is returned by wait when the job ended in the failed state.
var errJobFailed = errors.New("job failed")

// newStatusCmd creates the "appbuildctl status" subcommand.
func newStatusCmd(newClient func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <nonce>",
		Short: "Show the status of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := newClient().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), rec)
		},
	}
}

// newWaitCmd creates the "appbuildctl wait" subcommand.
func newWaitCmd(newClient func() *client) *cobra.Command {
	var (
		interval time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "wait <nonce>",
		Short: "Wait until a request is completed or failed",
		Long:  "Polls the status of a request until it reaches a terminal state.\nExits with an error when the job failed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			deadline := time.Now().Add(timeout)
			last := build.State("")

			for {
				rec, err := c.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if rec.State != last {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", rec.UpdatedAt.Format(time.RFC3339), rec.State)
					last = rec.State
				}
				if rec.State.IsTerminal() {
					if err = writeStatus(cmd.OutOrStdout(), rec); err != nil {
						return err
					}
					if rec.State == build.StateFailed {
						return errJobFailed
					}
					return nil
				}
				if time.Now().After(deadline) {
					return fmt.Errorf("timed out after %s in state %s", timeout, rec.State)
				}

				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "time between polls")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")

	return cmd
}

// newHealthCmd creates the "appbuildctl health" subcommand.
func newHealthCmd(newClient func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Health(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func writeStatus(w io.Writer, rec *build.StatusRecord) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
