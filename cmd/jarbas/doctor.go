package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jarbas-ai/jarbas/internal/policy"
	"github.com/jarbas-ai/jarbas/internal/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the local environment before running serve",
	RunE: func(cmd *cobra.Command, args []string) error {
		failures := 0
		check := func(name string, err error) {
			if err != nil {
				failures++
				fmt.Printf("  [fail] %-18s %v\n", name, err)
				return
			}
			fmt.Printf("  [ ok ] %s\n", name)
		}

		fmt.Println("Jarbas environment check:")

		check("data directory", func() error {
			return os.MkdirAll(cfg.Server.DataDir, 0o755)
		}())

		check("database", func() error {
			s, err := store.Open(cfg.Database)
			if err != nil {
				return err
			}
			return s.Close()
		}())

		check("meminfo", func() error {
			_, err := policy.AvailableRAMMB(cfg.Caps.MeminfoPath)
			return err
		}())

		check("allowlist", func() error {
			a := policy.NewAllowlist(cfg.Policy.RulesPath)
			return a.Load()
		}())

		check("model api key", func() error {
			if cfg.Models.APIKey == "" {
				return fmt.Errorf("no API key for provider %q (set JARBAS_MODELS_API_KEY or the provider's env var)", cfg.Models.Provider)
			}
			return nil
		}())

		for _, dir := range cfg.Skills.Dirs {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				fmt.Printf("  [info] skill dir %s does not exist yet\n", dir)
			}
		}

		if failures > 0 {
			return fmt.Errorf("%d check(s) failed", failures)
		}
		fmt.Println("All checks passed.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
