package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs", "ls"},
	Short:   "List your conversations",
	Run: func(cmd *cobra.Command, args []string) {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations yet.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tUNREAD\tLAST MESSAGE")
		for _, cv := range convs {
			preview := cv.LastMessage
			if len(preview) > 48 {
				preview = preview[:45] + "..."
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", cv.ID, cv.Name, cv.Unread, preview)
		}
		w.Flush()
	},
}

var createUserIDs []int64

var createCmd = &cobra.Command{
	Use:   "create --with <user-id> [--with <user-id>...]",
	Short: "Create a conversation with the given users",
	Run: func(cmd *cobra.Command, args []string) {
		if len(createUserIDs) == 0 {
			fmt.Fprintln(os.Stderr, "Error: at least one --with user id is required")
			os.Exit(1)
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		cv, err := client.CreateConversation(ctx, createUserIDs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created conversation %d (%s)\n", cv.ID, cv.Name)
	},
}

func init() {
	createCmd.Flags().Int64SliceVar(&createUserIDs, "with", nil, "user id to include (repeatable)")
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(createCmd)
}
