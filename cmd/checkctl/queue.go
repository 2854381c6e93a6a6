package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"adcheck/jobapi"
)

func QueueCmd(root *rootOptions) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show whether the service can start a new check right away",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := root.clientConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			stream, err := client.OpenQueue(ctx)
			if err != nil {
				return err
			}
			defer stream.Close()
			for {
				f, err := stream.Next()
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, io.EOF) {
						return nil
					}
					return err
				}
				if f.Comment {
					continue
				}
				qs, err := jobapi.DecodeQueueStatus(f)
				if err != nil {
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), queueLine(qs))
				if !follow {
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing updates")
	return cmd
}
