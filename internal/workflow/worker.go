package workflow

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/sells-group/order-cli/internal/model"
)

// Register adds the conversation workflow and its activities to w.
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflow(ConversationWorkflow)
	w.RegisterActivity(acts)
}

// Signaler is the part of the Temporal client used to deliver messages.
type Signaler interface {
	SignalWithStartWorkflow(ctx context.Context, workflowID string, signalName string, signalArg interface{},
		options client.StartWorkflowOptions, workflow interface{}, workflowArgs ...interface{}) (client.WorkflowRun, error)
}

// Deliver sends msg to its conversation's workflow, starting the workflow
// when none is running.
func Deliver(ctx context.Context, c Signaler, taskQueue string, idle time.Duration, msg model.Message) (string, error) {
	if msg.ConversationID == "" {
		return "", eris.New("workflow: conversation id required")
	}
	opts := client.StartWorkflowOptions{
		ID:        ID(msg.ConversationID),
		TaskQueue: taskQueue,
	}
	run, err := c.SignalWithStartWorkflow(ctx, opts.ID, MessageSignal, msg, opts, ConversationWorkflow, Input{
		ConversationID: msg.ConversationID,
		IdleTimeout:    idle,
	})
	if err != nil {
		return "", eris.Wrapf(err, "workflow: deliver message to %s", opts.ID)
	}
	return run.GetRunID(), nil
}
