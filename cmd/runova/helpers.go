package main

import (
	"fmt"
	"os"

	runova "github.com/tenesedu/runova-sub000"
)

// getSyncService wires a sync service on top of the configured client.
// The caller owns both and should Close them when done.
func getSyncService() (*runova.Client, *runova.SyncService) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'runova init <token>' first.")
		os.Exit(1)
	}

	sess, err := runova.NewSession(cfg.Auth.Token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stored token is not usable: %v\n", err)
		os.Exit(1)
	}

	var opts []runova.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, runova.WithBaseURL(cfg.Default.BaseURL))
	}

	client := runova.NewClient(cfg.Auth.Token, opts...)
	svc := runova.NewSyncService(client, runova.NewProfileCache(client), sess)
	return client, svc
}
