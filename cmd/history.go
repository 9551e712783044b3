package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	historyVersion  int
	historyMessages bool
)

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show the snapshot timeline of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conv := args[0]

		env, err := initEnv(ctx, cfg, "history", false)
		if err != nil {
			return err
		}
		defer env.Close()

		w := cmd.OutOrStdout()

		if historyMessages {
			msgs, err := env.Store.ListMessages(ctx, conv)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m.ID, m.Kind, m.Content)
			}
			return nil
		}

		if historyVersion > 0 {
			snap, err := env.Store.GetSnapshot(ctx, conv, historyVersion)
			if err != nil {
				return err
			}
			return printJSON(w, snap)
		}

		snaps, err := env.Store.ListSnapshots(ctx, conv)
		if err != nil {
			return err
		}
		for _, s := range snaps {
			fmt.Fprintf(w, "v%d\t%s\t%s\t+%d ~%d =%d\n",
				s.Version, s.CreatedAt.Format("2006-01-02 15:04:05"), s.MessageID,
				len(s.Changes.Added), len(s.Changes.Modified), len(s.Changes.Unchanged))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyVersion, "version", 0, "print the full snapshot at this version")
	historyCmd.Flags().BoolVar(&historyMessages, "messages", false, "print the message log instead of snapshots")
	rootCmd.AddCommand(historyCmd)
}
