package workflow

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/sells-group/order-cli/internal/extract"
	"github.com/sells-group/order-cli/internal/model"
	"github.com/sells-group/order-cli/internal/orderstate"
)

// ErrTypeInvalidMessage marks activity failures that retrying cannot fix.
const ErrTypeInvalidMessage = "InvalidMessage"

// Processor applies one message to its conversation.
type Processor interface {
	ProcessMessage(ctx context.Context, msg model.Message) (*orderstate.Result, error)
}

// Outcome is the activity result kept in workflow history. The full state
// stays in the store.
type Outcome struct {
	Version   int                `json:"version"`
	Added     int                `json:"added"`
	Modified  int                `json:"modified"`
	Unchanged int                `json:"unchanged"`
	Routing   orderstate.Routing `json:"routing"`
}

// Activities holds the dependencies of the conversation activities.
type Activities struct {
	Processor Processor
}

// ProcessMessage extracts and merges one message.
func (a *Activities) ProcessMessage(ctx context.Context, msg model.Message) (Outcome, error) {
	logger := activity.GetLogger(ctx)

	res, err := a.Processor.ProcessMessage(ctx, msg)
	if err != nil {
		if eris.Is(err, model.ErrInvalidExtraction) || eris.Is(err, extract.ErrMalformedResponse) ||
			eris.Is(err, model.ErrMessageIDInUse) {
			return Outcome{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidMessage, err)
		}
		return Outcome{}, eris.Wrap(err, "workflow: process message")
	}

	out := Outcome{
		Version: res.State.Version,
		Routing: res.Routing,
	}
	if res.Changes != nil {
		out.Added = len(res.Changes.Added)
		out.Modified = len(res.Changes.Modified)
		out.Unchanged = len(res.Changes.Unchanged)
	}
	logger.Info("message applied",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"version", out.Version,
		"decision", out.Routing.Decision,
	)
	return out, nil
}
