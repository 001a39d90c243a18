package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/chatsync/internal/chat"
)

const listTimeout = 30 * time.Second

func init() {
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), listTimeout)
		defer cancel()

		client := chat.NewClient(nil, cfg.RestBaseURL)
		conversations, err := client.FetchConversations(ctx)
		if err != nil {
			return err
		}

		if len(conversations) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no conversations")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tLAST MESSAGE")
		for _, c := range conversations {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Name, c.LastMessagePreview)
		}
		return w.Flush()
	},
}
