package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"adcheck/domain"
)

func ShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Fetch a check from the service and render its highlights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := root.clientConfig()
			if err != nil {
				return err
			}
			rec, err := client.Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch rec.Status {
			case domain.CheckJobStatusCompleted:
				renderResult(cmd.OutOrStdout(), rec.Result(), root.renderer())
				return nil
			case domain.CheckJobStatusFailed:
				return fmt.Errorf("check failed: %s", rec.ErrorMessage)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", rec.ID, rec.Status)
				return nil
			}
		},
	}
}
