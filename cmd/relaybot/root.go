package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stupiduntilnot/relaybot/internal/config"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "relaybot",
		Short:        "Telegram relay bot for OpenAI, Gemini and DeepSeek",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", "", "Config file path (optional).")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newEventsCmd())
	return cmd
}

// loadViper builds the configuration source from --config and the
// environment.
func loadViper(cmd *cobra.Command) (*viper.Viper, error) {
	configFile, _ := cmd.Flags().GetString("config")
	return config.NewViper(configFile)
}
