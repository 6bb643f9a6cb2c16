package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/relaybot/internal/config"
	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/provider"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear stored conversations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <provider> <user-id>",
		Short: "Print a user's stored turns",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd, args[0])
			if err != nil {
				return err
			}
			conv, err := store.GetConversation(args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user=%s turns=%d last_message=%s\n", conv.UserID, len(conv.Turns), conv.LastMessageAt.Format("2006-01-02 15:04:05"))
			for _, turn := range conv.Turns {
				fmt.Fprintf(out, "%s: %s\n", turn.Role, turn.Content)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear <provider> <user-id>",
		Short: "Drop a user's stored turns",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd, args[0])
			if err != nil {
				return err
			}
			if err := store.ClearHistory(args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s history for user %s\n", args[0], args[1])
			return nil
		},
	})
	return cmd
}

func openHistory(cmd *cobra.Command, name string) (*history.Store, error) {
	family, err := provider.ParseFamily(name)
	if err != nil {
		return nil, err
	}
	v, err := loadViper(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	return history.Open(cfg.HistoryPath(family), history.WithMaxTurns(cfg.HistoryMaxTurns))
}
