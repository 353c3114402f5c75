package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/chat-queue/pkg/client"
)

type options struct {
	server      string
	maxAttempts int
	interval    time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "chatctl",
		Short:        "Submit chat jobs to a chat-queue server and poll for results",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("CHATQUEUE_URL", "http://localhost:8080"), "server base URL")
	root.PersistentFlags().IntVar(&opts.maxAttempts, "max-attempts", client.DefaultMaxAttempts, "polls before giving up")
	root.PersistentFlags().DurationVar(&opts.interval, "interval", client.DefaultPollInterval, "delay between polls")

	root.AddCommand(
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newStatsCmd(opts),
		newProcessCmd(opts),
	)
	return root
}

func (o *options) client() *client.Client {
	return client.New(o.server, client.WithPolling(o.maxAttempts, o.interval))
}

func newSubmitCmd(opts *options) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit <message>",
		Short: "Queue a message for generation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			sub, err := c.Submit(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), sub.JobID)
				return nil
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "queued %s, waiting...\n", sub.JobID)
			job, err := c.Wait(cmd.Context(), sub.JobID)
			if errors.Is(err, client.ErrPollTimeout) {
				return fmt.Errorf("gave up waiting for %s: %w", sub.JobID, err)
			}
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until the job finishes")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the current state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show how many jobs are waiting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := opts.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued: %d\n", n)
			return nil
		},
	}
}

func newProcessCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Ask the server to drain queued jobs now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := opts.client().ProcessQueue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed: %d\n", n)
			return nil
		},
	}
}

func printJob(cmd *cobra.Command, job *client.Job) error {
	out := cmd.OutOrStdout()
	switch job.Status {
	case client.StatusCompleted:
		fmt.Fprintln(out, job.Result)
		return nil
	case client.StatusFailed:
		return fmt.Errorf("job %s failed: %s", job.JobID, job.Error)
	default:
		fmt.Fprintf(out, "%s: %s\n", job.JobID, job.Status)
		return nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
