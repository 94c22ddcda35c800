package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Connect to the adapter once and disconnect again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer r.close()

			if err := r.sess.Connect(cmd.Context()); err != nil {
				return err
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "connected to %s\n", r.sess.Endpoint()); err != nil {
				return err
			}
			return r.sess.Disconnect()
		},
	}
}
