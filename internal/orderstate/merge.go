// Package orderstate reconciles extractions into the cumulative order for a
// conversation and records a snapshot per merge.
package orderstate

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/order-cli/internal/matcher"
	"github.com/sells-group/order-cli/internal/metrics"
	"github.com/sells-group/order-cli/internal/model"
)

// DefaultMergeThreshold is the match confidence at which an incoming item
// overwrites an existing line instead of being added.
const DefaultMergeThreshold = 0.7

// ErrMissingMessageID is returned when a merge has no triggering message.
var ErrMissingMessageID = eris.New("orderstate: message id required")

// Merger applies extractions to order states.
type Merger struct {
	matcher   *matcher.Matcher
	threshold float64
}

// NewMerger creates a Merger. A threshold <= 0 uses DefaultMergeThreshold.
func NewMerger(m *matcher.Matcher, threshold float64) *Merger {
	if m == nil {
		m = matcher.New(nil, 0)
	}
	if threshold <= 0 {
		threshold = DefaultMergeThreshold
	}
	return &Merger{matcher: m, threshold: threshold}
}

// Matcher returns the item matcher used by the merger.
func (mg *Merger) Matcher() *matcher.Matcher { return mg.matcher }

// Merge applies ext to state in place and returns what changed. Incoming
// items are matched only against lines that were active before this merge,
// and each such line is claimed at most once. The extraction is validated
// before anything is touched, so a rejected merge leaves state unchanged.
// Accepted fuzzy matches are written to the mapping cache before returning.
func (mg *Merger) Merge(ctx context.Context, state *model.CumulativeOrderState, ext *model.Extraction, messageID model.MessageID) (*model.ChangeSet, error) {
	changes, learned, err := mg.merge(ctx, state, ext, messageID)
	if err != nil {
		return nil, err
	}
	mg.learn(ctx, learned)
	return changes, nil
}

// learn writes mappings confirmed by a merge to the resolver cache.
func (mg *Merger) learn(ctx context.Context, learned []matcher.Learning) {
	for _, l := range learned {
		mg.matcher.Learn(ctx, l)
	}
}

// merge is Merge without the cache writes; it returns them instead.
func (mg *Merger) merge(ctx context.Context, state *model.CumulativeOrderState, ext *model.Extraction, messageID model.MessageID) (*model.ChangeSet, []matcher.Learning, error) {
	if state == nil {
		return nil, nil, eris.New("orderstate: nil state")
	}
	if err := ext.Validate(); err != nil {
		return nil, nil, err
	}
	if messageID == "" {
		return nil, nil, ErrMissingMessageID
	}

	changes := model.NewChangeSet()
	existing := len(state.Items)
	keys := mg.matcher.CandidateKeys(ctx, state.Items)
	claimed := make(map[int]bool)
	var learned []matcher.Learning

	for _, in := range ext.Items {
		q := mg.matcher.Prepare(ctx, in.ProductName)
		m := mg.matcher.MatchQuery(q, state.Items[:existing], keys, claimed)

		if m.Found() && m.Confidence >= mg.threshold {
			claimed[m.Index] = true
			if l, ok := matcher.Learnable(q, m, keys[m.Index]); ok {
				learned = append(learned, l)
			}

			it := &state.Items[m.Index]
			changes.Modified = append(changes.Modified, model.ModifiedItem{
				ProductName:     it.ProductName,
				OldQuantity:     it.Quantity,
				NewQuantity:     in.Quantity,
				OldUnit:         it.Unit,
				Unit:            in.Unit,
				MatchConfidence: m.Confidence,
			})
			it.Quantity = in.Quantity
			it.Unit = in.Unit
			it.Confidence = in.Confidence
			if in.Notes != "" {
				it.Notes = in.Notes
			}
			it.LastModifiedMessageID = messageID
			it.ModificationCount++
			continue
		}

		added := model.CumulativeItem{
			ProductName:             in.ProductName,
			NormalizedName:          q.Normalized,
			Quantity:                in.Quantity,
			Unit:                    in.Unit,
			Confidence:              in.Confidence,
			OriginalText:            in.OriginalText,
			Notes:                   in.Notes,
			IsActive:                true,
			FirstMentionedMessageID: messageID,
			LastModifiedMessageID:   messageID,
		}
		state.Items = append(state.Items, added)
		changes.Added = append(changes.Added, added)
	}

	for i := 0; i < existing; i++ {
		it := state.Items[i]
		if !it.IsActive || claimed[i] {
			continue
		}
		changes.Unchanged = append(changes.Unchanged, model.UnchangedItem{
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			Unit:        it.Unit,
		})
	}

	applyMetadata(state, ext)
	state.Version++
	state.UpdatedAt = time.Now().UTC()

	metrics.ItemChanges.WithLabelValues("added").Add(float64(len(changes.Added)))
	metrics.ItemChanges.WithLabelValues("modified").Add(float64(len(changes.Modified)))
	metrics.ItemChanges.WithLabelValues("unchanged").Add(float64(len(changes.Unchanged)))
	zap.L().Debug("orderstate: merged extraction",
		zap.String("conversation_id", state.ConversationID),
		zap.String("message_id", string(messageID)),
		zap.Int("version", state.Version),
		zap.Int("added", len(changes.Added)),
		zap.Int("modified", len(changes.Modified)),
		zap.Int("unchanged", len(changes.Unchanged)),
	)
	return changes, learned, nil
}

// applyMetadata copies order-level fields. Customer and delivery scalars only
// move forward on a non-empty value; confidence and clarification state
// always take the latest extraction.
func applyMetadata(state *model.CumulativeOrderState, ext *model.Extraction) {
	if ext.CustomerName != "" {
		state.CustomerName = ext.CustomerName
	}
	if ext.CustomerOrganization != "" {
		state.CustomerOrganization = ext.CustomerOrganization
	}
	if ext.RequestedDeliveryDate != "" {
		state.DeliveryDate = ext.RequestedDeliveryDate
	}
	if ext.DeliveryUrgency != "" {
		state.Urgency = ext.DeliveryUrgency
	}
	state.OverallConfidence = ext.OverallConfidence
	state.RequiresClarification = ext.RequiresClarification
	state.PendingClarifications = append([]string{}, ext.ClarificationNeeded...)
}
