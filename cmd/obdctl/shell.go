package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"bluetooth-obd/internal/session"
)

const shellPrompt = "obd> "

func newShellCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Read commands from stdin, one per line, and print each reply",
		Long:  "shell connects once and then sends every non-empty input line as a command. Type quit or exit, or close stdin, to disconnect.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer r.close()

			ctx := cmd.Context()
			if err := r.sess.Connect(ctx); err != nil {
				return err
			}

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			sc := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, shellPrompt)
				if !sc.Scan() {
					fmt.Fprintln(out)
					return sc.Err()
				}
				line := strings.TrimSpace(sc.Text())
				switch strings.ToLower(line) {
				case "":
					continue
				case "quit", "exit":
					return nil
				}

				reply, err := r.sess.Query(ctx, line)
				if err != nil {
					if session.IsFatal(err) || ctx.Err() != nil {
						return err
					}
					fmt.Fprintf(errOut, "error: %v\n", err)
					continue
				}
				fmt.Fprintln(out, reply)
			}
		},
	}
}
