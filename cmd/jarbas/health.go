package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query a running instance's health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		host := cfg.Gateway.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		url := fmt.Sprintf("http://%s:%d/health", host, cfg.Gateway.Port)

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			return fmt.Errorf("jarbas is not reachable at %s: %w", url, err)
		}
		defer resp.Body.Close()

		var health struct {
			Status        string `json:"status"`
			Version       string `json:"version"`
			UptimeSeconds int64  `json:"uptime_seconds"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return fmt.Errorf("decode health response: %w", err)
		}

		fmt.Printf("status:  %s\n", health.Status)
		fmt.Printf("version: %s\n", health.Version)
		fmt.Printf("uptime:  %s\n", (time.Duration(health.UptimeSeconds) * time.Second).String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
