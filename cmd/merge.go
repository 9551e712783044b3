package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/order-cli/internal/model"
	"github.com/sells-group/order-cli/internal/orderstate"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <file.json>...",
	Short: "Merge extraction files into their conversations",
	Long:  "Each file holds one job or an array of jobs: {\"conversation_id\", \"message_id\", \"extraction\"}. Jobs of one conversation are applied in file order; different conversations run in parallel.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var jobs []orderstate.Job
		for _, path := range args {
			js, err := readJobsFile(path)
			if err != nil {
				return err
			}
			jobs = append(jobs, js...)
		}

		env, err := initEnv(ctx, cfg, "merge", false)
		if err != nil {
			return err
		}
		defer env.Close()

		results := env.Engine.ApplyBatch(ctx, jobs, cfg.Batch.MaxConcurrentConversations)
		failed := printJobResults(cmd.OutOrStdout(), results)

		zap.L().Info("merge complete",
			zap.Int("jobs", len(jobs)),
			zap.Int("failed", failed),
		)
		if failed > 0 {
			return eris.Errorf("%d of %d merges failed", failed, len(jobs))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}

type jobFile struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      model.MessageID `json:"message_id"`
	Extraction     json.RawMessage `json:"extraction"`
}

func readJobsFile(path string) ([]orderstate.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	jobs, err := parseJobs(data)
	if err != nil {
		return nil, eris.Wrapf(err, "parse %s", path)
	}
	return jobs, nil
}

// parseJobs accepts a single job object or an array of them and validates
// each extraction against the wire schema.
func parseJobs(data []byte) ([]orderstate.Job, error) {
	var files []jobFile
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &files); err != nil {
			return nil, eris.Wrap(err, "decode jobs")
		}
	} else {
		var f jobFile
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil, eris.Wrap(err, "decode job")
		}
		files = []jobFile{f}
	}

	jobs := make([]orderstate.Job, 0, len(files))
	for i, f := range files {
		if f.ConversationID == "" || f.MessageID == "" {
			return nil, eris.Errorf("job %d: conversation_id and message_id are required", i)
		}
		ext, err := model.ParseExtraction(f.Extraction)
		if err != nil {
			return nil, eris.Wrapf(err, "job %d", i)
		}
		jobs = append(jobs, orderstate.Job{
			ConversationID: f.ConversationID,
			MessageID:      f.MessageID,
			Extraction:     ext,
		})
	}
	return jobs, nil
}

func printJobResults(w io.Writer, results []orderstate.JobResult) int {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(w, "%s %s: error: %v\n", r.Job.ConversationID, r.Job.MessageID, r.Err)
			continue
		}
		fmt.Fprintf(w, "%s %s: version %d, +%d ~%d =%d, %s\n",
			r.Job.ConversationID, r.Job.MessageID, r.Result.State.Version,
			len(r.Result.Changes.Added), len(r.Result.Changes.Modified), len(r.Result.Changes.Unchanged),
			r.Result.Routing.Decision,
		)
	}
	return failed
}
