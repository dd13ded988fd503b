package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/feedomac/feedomac-go"
)

// fileCredentials adapts the TOML config file to feedomac.CredentialStore,
// so token changes made through the SDK land back on disk.
type fileCredentials struct {
	cfg *Config
}

func (f *fileCredentials) Token() (string, error) { return f.cfg.Auth.Token, nil }

func (f *fileCredentials) SetToken(token string) error {
	f.cfg.Auth.Token = token
	return saveConfig(f.cfg)
}

func (f *fileCredentials) ClearToken() error {
	f.cfg.Auth.Token = ""
	f.cfg.Auth.UserID = 0
	f.cfg.Auth.Username = ""
	return saveConfig(f.cfg)
}

// getClient builds an API client from the stored config.
// It exits with a message if no token has been saved yet.
func getClient() (*feedomac.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No credential found. Run 'feedomac login <token>' first.")
		os.Exit(1)
	}

	var opts []feedomac.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, feedomac.WithBaseURL(cfg.Default.BaseURL))
	}
	return feedomac.NewClient(&fileCredentials{cfg: cfg}, opts...), cfg
}

// getCache opens the configured local cache. An explicit cache_path of "off"
// disables persistence; an empty value defaults to ~/.feedomac/cache.db.
func getCache(cfg *Config) feedomac.Cache {
	path := cfg.Default.CachePath
	if path == "off" {
		return feedomac.NewMemoryCache()
	}
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return feedomac.NewMemoryCache()
		}
		path = filepath.Join(dir, "cache.db")
	}
	cache, err := feedomac.OpenSQLiteCache(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot open cache at %s: %v (continuing without)\n", path, err)
		return feedomac.NewMemoryCache()
	}
	return cache
}
