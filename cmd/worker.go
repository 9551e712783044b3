package main

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/order-cli/internal/model"
	"github.com/sells-group/order-cli/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the conversation workflow worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "worker", true)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{
			Identity: "order-worker-" + hostname(),
			MaxConcurrentActivityExecutionSize: 2 * cfg.Batch.MaxConcurrentConversations,
		})
		workflow.Register(w, &workflow.Activities{Processor: env.Engine})

		zap.L().Info("worker starting",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "run worker")
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message-id> <text>...",
	Short: "Deliver a message to its conversation workflow",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("send"); err != nil {
			return err
		}

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		msg := model.Message{
			ConversationID: args[0],
			ID:             model.MessageID(args[1]),
			Content:        strings.Join(args[2:], " "),
		}
		runID, err := workflow.Deliver(cmd.Context(), c, cfg.Temporal.TaskQueue, cfg.Temporal.IdleTimeout, msg)
		if err != nil {
			return err
		}

		zap.L().Info("message delivered",
			zap.String("workflow_id", workflow.ID(msg.ConversationID)),
			zap.String("run_id", runID),
			zap.String("message_id", string(msg.ID)),
		)
		return nil
	},
}

func init() {
	workerCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(workerCmd)
}

func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	return c, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
