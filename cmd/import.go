package main

import (
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/order-cli/internal/model"
	"github.com/sells-group/order-cli/internal/sheet"
)

var (
	importConversation string
	importCustomer     string
	importOrganization string
	importMessageID    string
)

var importCmd = &cobra.Command{
	Use:   "import <file.xlsx>",
	Short: "Merge a spreadsheet order into a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := args[0]

		order, err := sheet.ReadFile(path)
		if err != nil {
			return eris.Wrap(err, "import spreadsheet")
		}
		for _, w := range order.Warnings {
			zap.L().Warn("spreadsheet warning", zap.String("file", order.Filename), zap.String("warning", w))
		}

		env, err := initEnv(ctx, cfg, "import", false)
		if err != nil {
			return err
		}
		defer env.Close()

		msgID := model.MessageID(importMessageID)
		if msgID == "" {
			msgID = model.MessageID("sheet:" + filepath.Base(path))
		}

		res, err := env.Engine.Apply(ctx, importConversation, order.ToExtraction(importCustomer, importOrganization), msgID)
		if err != nil {
			return eris.Wrap(err, "merge spreadsheet order")
		}

		zap.L().Info("import complete",
			zap.String("file", order.Filename),
			zap.String("conversation_id", importConversation),
			zap.Int("items", order.TotalItems()),
			zap.Float64("estimated_value", order.TotalValue()),
			zap.Int("version", res.State.Version),
			zap.String("decision", string(res.Routing.Decision)),
		)
		return printJSON(cmd.OutOrStdout(), newMergeResponse(res))
	},
}

func init() {
	importCmd.Flags().StringVar(&importConversation, "conversation", "", "conversation id (required)")
	importCmd.Flags().StringVar(&importCustomer, "customer", "", "customer name")
	importCmd.Flags().StringVar(&importOrganization, "organization", "", "customer organization")
	importCmd.Flags().StringVar(&importMessageID, "message-id", "", "message id (default sheet:<filename>)")
	_ = importCmd.MarkFlagRequired("conversation")
	rootCmd.AddCommand(importCmd)
}
