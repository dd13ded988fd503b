package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	loginUserID   int64
	loginUsername string
)

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a bearer token for the chat backend",
	Long:  "Saves the given bearer token (and optionally your user id and username)\ninto ~/.feedomac/config.toml for use by the other commands.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg.Auth.Token = args[0]
		if loginUserID != 0 {
			cfg.Auth.UserID = loginUserID
		}
		if loginUsername != "" {
			cfg.Auth.Username = loginUsername
		}
		if err := saveConfig(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Credential saved.")
		if cfg.Auth.UserID == 0 {
			fmt.Println("Tip: pass --user-id so sent messages are attributed correctly in 'chat'.")
		}
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored credential",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		creds := &fileCredentials{cfg: cfg}
		if err := creds.ClearToken(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Credential removed.")
	},
}

func init() {
	loginCmd.Flags().Int64Var(&loginUserID, "user-id", 0, "your numeric user id")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "your display name")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
