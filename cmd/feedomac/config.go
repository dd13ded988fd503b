package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path, _ := configPath()
		fmt.Printf("Config file: %s\n\n", path)
		fmt.Println("[default]")
		fmt.Printf("  base_url   = %q\n", cfg.Default.BaseURL)
		fmt.Printf("  cache_path = %q\n", cfg.Default.CachePath)
		fmt.Println("[auth]")
		if cfg.Auth.Token != "" {
			fmt.Println("  token      = (set)")
		} else {
			fmt.Println("  token      = (not set)")
		}
		fmt.Printf("  user_id    = %d\n", cfg.Auth.UserID)
		fmt.Printf("  username   = %q\n", cfg.Auth.Username)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value (e.g. feedomac config set default.base_url https://chat.example.com)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := saveConfig(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s\n", args[0])
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}
