package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/order-cli/internal/alias"
	"github.com/sells-group/order-cli/internal/normalize"
)

var mappingsLimit int

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "Manage learned product mappings",
}

var mappingsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Seed the mapping cache from a YAML or JSON list",
	Long:  "Each entry has input_text, matched_product_name and confidence. Both names are normalized before they are stored; existing keys are overwritten and keep their hit counts.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[0])
		}
		entries, skipped, err := parseMappings(data, normalize.Default())
		if err != nil {
			return eris.Wrapf(err, "parse %s", args[0])
		}

		env, err := initEnv(ctx, cfg, "mappings", false)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Store.ImportMappings(ctx, entries)
		if err != nil {
			return eris.Wrap(err, "import mappings")
		}

		zap.L().Info("mappings imported",
			zap.Int64("imported", n),
			zap.Int("skipped", skipped),
		)
		return nil
	},
}

var mappingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learned mappings by hit count",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "mappings", false)
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.ListMappings(ctx, mappingsLimit)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\n", e.Key, e.Canonical, e.Confidence, e.HitCount)
		}
		return nil
	},
}

func init() {
	mappingsListCmd.Flags().IntVar(&mappingsLimit, "limit", 50, "max mappings to list")
	mappingsCmd.AddCommand(mappingsImportCmd, mappingsListCmd)
	rootCmd.AddCommand(mappingsCmd)
}

type mappingRow struct {
	Input      string  `yaml:"input_text"`
	Product    string  `yaml:"matched_product_name"`
	Confidence float64 `yaml:"confidence"`
}

// parseMappings decodes mapping rows and normalizes both sides. Rows where
// either side normalizes to nothing are skipped.
func parseMappings(data []byte, n *normalize.Normalizer) ([]alias.CacheEntry, int, error) {
	var rows []mappingRow
	if err := yaml.Unmarshal(data, &rows); err != nil {
		return nil, 0, eris.Wrap(err, "decode mappings")
	}

	entries := make([]alias.CacheEntry, 0, len(rows))
	skipped := 0
	for _, r := range rows {
		key, canonical := n.Normalize(r.Input), n.Normalize(r.Product)
		if key == "" || canonical == "" {
			skipped++
			continue
		}
		conf := r.Confidence
		if conf <= 0 || conf > 1 {
			conf = 1
		}
		entries = append(entries, alias.CacheEntry{Key: key, Canonical: canonical, Confidence: conf})
	}
	return entries, skipped, nil
}
