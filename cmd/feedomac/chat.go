package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/feedomac/feedomac-go"
)

var chatConversationID int64

var chatCmd = &cobra.Command{
	Use:   "chat --conversation <id>",
	Short: "Join a conversation and chat interactively",
	Long:  "Connects the realtime socket, loads recent history, and lets you send\nmessages from stdin. Incoming messages are printed as they arrive.\nType /quit to leave, /more to load an older page of history.",
	Run: func(cmd *cobra.Command, args []string) {
		if chatConversationID == 0 {
			fmt.Fprintln(os.Stderr, "Error: --conversation is required")
			os.Exit(1)
		}
		client, cfg := getClient()
		runChat(client, cfg, chatConversationID)
	},
}

func init() {
	chatCmd.Flags().Int64VarP(&chatConversationID, "conversation", "c", 0, "conversation id to join")
	rootCmd.AddCommand(chatCmd)
}

func runChat(client *feedomac.Client, cfg *Config, convID int64) {
	selfID := cfg.Auth.UserID
	updates := make(chan int64, 64)

	sess := feedomac.NewSession(client, &feedomac.SessionConfig{
		SelfID: selfID,
		Cache:  getCache(cfg),
		OnUpdate: func(id int64) {
			select {
			case updates <- id:
			default:
			}
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "\r[warn] %v\n> ", err)
		},
	})
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := sess.Connect(ctx); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "Error connecting: %v\n", err)
		os.Exit(1)
	}
	cancel()

	// Participants are needed for addressing outbound sends.
	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	cv, err := client.GetConversation(ctx, convID)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading conversation: %v\n", err)
		os.Exit(1)
	}
	var peers []int64
	for _, u := range cv.Users {
		if u.ID != selfID {
			peers = append(peers, u.ID)
		}
	}

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	if err := sess.LoadHistory(ctx, convID, 1); err != nil {
		fmt.Fprintf(os.Stderr, "[warn] history unavailable: %v\n", err)
	}
	cancel()

	sess.OpenConversation(convID)
	defer sess.CloseConversation()

	fmt.Printf("=== %s (conversation %d) ===\n", cv.Name, convID)
	tl := sess.Timeline(convID)
	for _, m := range tl.Messages() {
		printMessage(selfID, m)
	}

	// Printer goroutine: whenever the session reports a change, render any
	// messages we have not shown yet.
	var seenMu sync.Mutex
	seen := tl.Len()
	done := make(chan struct{})
	stop := sync.OnceFunc(func() { close(done) })
	go func() {
		for {
			select {
			case <-done:
				return
			case id := <-updates:
				if id != convID && id != 0 {
					continue
				}
				msgs := tl.Messages()
				seenMu.Lock()
				for ; seen < len(msgs); seen++ {
					m := msgs[seen]
					if m.SenderID != selfID {
						fmt.Printf("\r")
						printMessage(selfID, m)
						fmt.Print("> ")
					}
				}
				seenMu.Unlock()
				if u, ok := sess.Tracker().TypingUser(convID); ok {
					fmt.Printf("\r[user %d is typing...]\n> ", u)
				}
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		fmt.Println("\nLeaving chat.")
		stop()
		sess.Close()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit" || line == "/exit":
			stop()
			return
		case line == "/more":
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			more, err := sess.LoadNextPage(ctx, convID)
			cancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "[warn] %v\n", err)
			} else if !more {
				fmt.Println("(beginning of history)")
			} else {
				msgs := tl.Messages()
				// Older pages prepend, so re-render the whole view.
				fmt.Println("--- older messages loaded ---")
				for _, m := range msgs {
					printMessage(selfID, m)
				}
				seenMu.Lock()
				seen = len(msgs)
				seenMu.Unlock()
			}
		default:
			if _, err := sess.SendText(convID, peers, line); err != nil {
				fmt.Fprintf(os.Stderr, "[warn] send failed: %v\n", err)
			} else {
				seenMu.Lock()
				seen = tl.Len()
				seenMu.Unlock()
			}
		}
		fmt.Print("> ")
	}
	stop()
}

func printMessage(selfID int64, m feedomac.Message) {
	who := fmt.Sprintf("user %d", m.SenderID)
	if m.SenderID == selfID {
		who = "you"
	}
	body := m.Text
	if body == "" && m.MediaURL != "" {
		body = "[image] " + m.MediaURL
	}
	suffix := ""
	if m.Provisional {
		suffix = " (sending)"
	} else if m.Status == feedomac.StatusFailed {
		suffix = " (failed)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.Timestamp.Local().Format("15:04"), who, body, suffix)
}
