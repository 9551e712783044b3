package main

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var extractText string

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract an order from message text and print the extraction record",
	Long:  "Reads the message from --text, or from stdin when --text is empty. Nothing is stored.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("extract"); err != nil {
			return err
		}

		text := extractText
		if text == "" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return eris.Wrap(err, "read stdin")
			}
			text = string(data)
		}
		if strings.TrimSpace(text) == "" {
			return eris.New("message text is required (--text or stdin)")
		}

		ext, err := initExtractor(cfg).Extract(cmd.Context(), text, "")
		if err != nil {
			return eris.Wrap(err, "extract")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(ext)
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractText, "text", "", "message text (default: read stdin)")
	rootCmd.AddCommand(extractCmd)
}
