package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"bluetooth-obd/internal/session"
)

func newQueryCmd(c *cli) *cobra.Command {
	var (
		retries   int
		initFirst bool
		stats     bool
	)

	cmd := &cobra.Command{
		Use:     "query CMD...",
		Short:   "Send each command and print the adapter's reply",
		Example: "  obdctl query --init 0100 010C 010D",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if retries < 0 {
				return errors.New("--retries must not be negative")
			}
			r, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer r.close()

			ctx := cmd.Context()
			if err := r.sess.Connect(ctx); err != nil {
				return err
			}

			if initFirst {
				for _, m := range r.cfg.Adapter.Init {
					if _, err := exchange(ctx, r, m, retries); err != nil {
						return fmt.Errorf("adapter init %q: %w", m, err)
					}
				}
			}

			out := cmd.OutOrStdout()
			for _, m := range args {
				reply, err := exchange(ctx, r, m, retries)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintln(out, reply); err != nil {
					return err
				}
			}

			if stats {
				if _, err := fmt.Fprintln(out, r.stats.JSON()); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&retries, "retries", 0, "extra receive attempts when a reply times out")
	cmd.Flags().BoolVar(&initFirst, "init", false, "send the adapter.init commands first")
	cmd.Flags().BoolVar(&stats, "stats", false, "print session metrics as JSON when done")
	return cmd
}

// exchange sends msg once and waits for its reply, waiting up to retries
// more times when the reply is late. The command is not resent: a slow
// adapter (protocol search) still answers the first one.
func exchange(ctx context.Context, r *run, msg string, retries int) (string, error) {
	reply, err := r.sess.Query(ctx, msg)
	for attempt := 1; err != nil && session.IsRetryable(err) && attempt <= retries; attempt++ {
		r.log.Debug().Str("frame", msg).Int("attempt", attempt).Msg("reply late, waiting again")
		reply, err = r.sess.Receive(ctx)
	}
	return reply, err
}
