package orderstate

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/order-cli/internal/model"
)

// NewSnapshot captures state right after a merge. Items and changes are deep
// copied so later writes to state never reach the snapshot.
func NewSnapshot(state *model.CumulativeOrderState, messageID model.MessageID, changes *model.ChangeSet, ext *model.Extraction) *model.Snapshot {
	snap := &model.Snapshot{
		ID:                 uuid.NewString(),
		ConversationID:     state.ConversationID,
		MessageID:          messageID,
		Version:            state.Version,
		Items:              model.CloneItems(state.Items),
		ClarificationItems: []string{},
		CreatedAt:          time.Now().UTC(),
	}
	if changes != nil {
		snap.Changes = changes.Clone()
	} else {
		snap.Changes = *model.NewChangeSet()
	}
	if ext != nil {
		snap.ExtractionConfidence = ext.OverallConfidence
		snap.RequiresClarification = ext.RequiresClarification
		snap.ClarificationItems = append(snap.ClarificationItems, ext.ClarificationNeeded...)
	}
	return snap
}
