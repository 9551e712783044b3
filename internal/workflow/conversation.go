// Package workflow runs each conversation as a long-lived Temporal workflow
// that applies incoming messages to the order state one at a time.
package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/order-cli/internal/model"
	"github.com/sells-group/order-cli/internal/orderstate"
)

const (
	// ConversationWorkflowName is the registered workflow type.
	ConversationWorkflowName = "ConversationWorkflow"
	// MessageSignal delivers a model.Message to a running conversation.
	MessageSignal = "message"
	// StatusQuery returns the workflow's Status.
	StatusQuery = "status"

	// DefaultIdleTimeout ends a conversation that has gone quiet.
	DefaultIdleTimeout = 24 * time.Hour
	// maxMessagesPerRun bounds workflow history before continuing as new.
	maxMessagesPerRun = 500
)

// Input starts or continues a conversation workflow.
type Input struct {
	ConversationID string        `json:"conversation_id"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	Status         *Status       `json:"status,omitempty"`
}

// Status is the running summary exposed through StatusQuery.
type Status struct {
	ConversationID string             `json:"conversation_id"`
	Processed      int                `json:"processed"`
	Failed         int                `json:"failed"`
	Version        int                `json:"version"`
	Routing        orderstate.Routing `json:"routing"`
	LastMessageID  model.MessageID    `json:"last_message_id,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
}

// ID returns the workflow id used for a conversation.
func ID(conversationID string) string {
	return "conversation-" + conversationID
}

// ConversationWorkflow waits for message signals and applies each through the
// ProcessMessage activity in arrival order. It returns when no message has
// arrived for the idle timeout and none is buffered.
func ConversationWorkflow(ctx workflow.Context, in Input) (Status, error) {
	logger := workflow.GetLogger(ctx)

	idle := in.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	status := Status{ConversationID: in.ConversationID}
	if in.Status != nil {
		status = *in.Status
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{ErrTypeInvalidMessage},
		},
	})

	if err := workflow.SetQueryHandler(ctx, StatusQuery, func() (Status, error) {
		return status, nil
	}); err != nil {
		return status, err
	}

	messages := workflow.GetSignalChannel(ctx, MessageSignal)
	var a *Activities
	handled := 0

	for {
		timerCtx, cancelTimer := workflow.WithCancel(ctx)
		timer := workflow.NewTimer(timerCtx, idle)

		var msg model.Message
		received := false
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(messages, func(ch workflow.ReceiveChannel, _ bool) {
			ch.Receive(ctx, &msg)
			received = true
		})
		selector.AddFuture(timer, func(workflow.Future) {})
		selector.Select(ctx)
		cancelTimer()

		if !received {
			// A signal can land in the same task the timer fires in.
			if messages.Len() > 0 {
				continue
			}
			logger.Info("conversation idle, closing", "conversation_id", in.ConversationID, "processed", status.Processed)
			return status, nil
		}

		msg.ConversationID = in.ConversationID
		var out Outcome
		err := workflow.ExecuteActivity(ctx, a.ProcessMessage, msg).Get(ctx, &out)
		if err != nil {
			status.Failed++
			status.LastError = err.Error()
			logger.Warn("message not applied", "conversation_id", in.ConversationID, "message_id", msg.ID, "error", err)
		} else {
			status.Processed++
			status.Version = out.Version
			status.Routing = out.Routing
			status.LastMessageID = msg.ID
			status.LastError = ""
		}

		handled++
		if handled >= maxMessagesPerRun && messages.Len() == 0 {
			return status, workflow.NewContinueAsNewError(ctx, ConversationWorkflow, Input{
				ConversationID: in.ConversationID,
				IdleTimeout:    idle,
				Status:         &status,
			})
		}
	}
}
