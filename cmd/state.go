package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sells-group/order-cli/internal/orderstate"
	"github.com/sells-group/order-cli/internal/store"
)

var (
	stateAll           bool
	stateClarification bool
	stateLimit         int
)

var stateCmd = &cobra.Command{
	Use:   "state [conversation-id]",
	Short: "Show a conversation's order, or list orders",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "state", false)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 0 {
			filter := store.StateFilter{Limit: stateLimit}
			if cmd.Flags().Changed("clarification") {
				filter.RequiresClarification = &stateClarification
			}
			states, err := env.Store.ListStates(ctx, filter)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for i := range states {
				s := &states[i]
				fmt.Fprintf(w, "%s\tv%d\t%d items\t%s\t%s\n",
					s.ConversationID, s.Version, len(s.ActiveItems()), s.CustomerName, orderstate.Route(s).Decision)
			}
			return nil
		}

		st, err := env.Store.GetState(ctx, args[0])
		if err != nil {
			return err
		}
		if !stateAll {
			st = st.View()
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

func init() {
	stateCmd.Flags().BoolVar(&stateAll, "all", false, "include inactive items")
	stateCmd.Flags().BoolVar(&stateClarification, "clarification", false, "list only orders that do (or with =false do not) need clarification")
	stateCmd.Flags().IntVar(&stateLimit, "limit", 100, "max orders to list")
	rootCmd.AddCommand(stateCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
