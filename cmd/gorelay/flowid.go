package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/go-relay/internal/flow"
	"github.com/basket/go-relay/internal/webhook"
)

func flowIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flow-id <provider> <external-id>",
		Short: "Print the flow id and webhook session for an external id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := flow.DeriveFlowID(args[0], args[1])
			if id == "" {
				return errors.New("external id is empty")
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"flow_id":    id,
					"session_id": webhook.WebhookSessionID(args[0]),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "flow_id:    %s\nsession_id: %s\n", id, webhook.WebhookSessionID(args[0]))
			return nil
		},
	}
}
