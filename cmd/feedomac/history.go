package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyConversationID int64
	historyPage           int
)

var historyCmd = &cobra.Command{
	Use:   "history --conversation <id> [--page N]",
	Short: "Print one page of a conversation's message history",
	Run: func(cmd *cobra.Command, args []string) {
		if historyConversationID == 0 {
			fmt.Fprintln(os.Stderr, "Error: --conversation is required")
			os.Exit(1)
		}
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.MessagesPage(ctx, historyConversationID, historyPage)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(page.Messages) == 0 {
			fmt.Println("No messages on this page.")
			return
		}

		// Pages arrive newest-first; print oldest-first for reading.
		for i := len(page.Messages) - 1; i >= 0; i-- {
			printMessage(cfg.Auth.UserID, page.Messages[i])
		}
		if page.HasMore {
			fmt.Printf("(more history on page %d)\n", page.Page+1)
		}
	},
}

func init() {
	historyCmd.Flags().Int64VarP(&historyConversationID, "conversation", "c", 0, "conversation id")
	historyCmd.Flags().IntVarP(&historyPage, "page", "p", 1, "history page, newest first")
	rootCmd.AddCommand(historyCmd)
}
