package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jarbas-ai/jarbas/internal/config"
	"github.com/jarbas-ai/jarbas/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "jarbas",
	Short: "Jarbas autonomous agent runtime",
	Long:  `Jarbas is a proactive personal agent: it answers messages, runs skills under a security allowlist, and proposes its own work within resource caps.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.jarbas/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("gateway.port", config.DefaultGatewayPort, "gateway port")
}
