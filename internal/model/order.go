package model

import (
	"time"
)

// Confidence is the extractor's confidence in a single write.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Valid reports whether c is one of the three known levels.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	default:
		return false
	}
}

// Score maps a confidence level to the numeric score used for routing.
// Unknown levels score as low.
func (c Confidence) Score() float64 {
	switch c {
	case ConfidenceHigh:
		return 0.95
	case ConfidenceMedium:
		return 0.75
	default:
		return 0.50
	}
}

// MessageID is an opaque pointer into the external message log.
type MessageID string

// CumulativeItem is one line of the running order for a conversation.
type CumulativeItem struct {
	ProductName             string     `json:"product_name"`
	NormalizedName          string     `json:"normalized_name"`
	Quantity                float64    `json:"quantity"`
	Unit                    string     `json:"unit"`
	Confidence              Confidence `json:"confidence"`
	OriginalText            string     `json:"original_text,omitempty"`
	Notes                   string     `json:"notes,omitempty"`
	ModificationCount       int        `json:"modification_count"`
	IsActive                bool       `json:"is_active"`
	FirstMentionedMessageID MessageID  `json:"first_mentioned_message_id"`
	LastModifiedMessageID   MessageID  `json:"last_modified_message_id"`
}

// CumulativeOrderState is the current merged order for one conversation.
// Items keep first-mention order.
type CumulativeOrderState struct {
	ConversationID        string           `json:"conversation_id"`
	Items                 []CumulativeItem `json:"items"`
	CustomerName          string           `json:"customer_name,omitempty"`
	CustomerOrganization  string           `json:"customer_organization,omitempty"`
	DeliveryDate          string           `json:"delivery_date,omitempty"`
	Urgency               string           `json:"urgency,omitempty"`
	OverallConfidence     Confidence       `json:"overall_confidence,omitempty"`
	RequiresClarification bool             `json:"requires_clarification"`
	PendingClarifications []string         `json:"pending_clarifications"`
	Version               int              `json:"version"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// NewState returns an empty version-0 state for a conversation.
func NewState(conversationID string) *CumulativeOrderState {
	now := time.Now().UTC()
	return &CumulativeOrderState{
		ConversationID:        conversationID,
		Items:                 []CumulativeItem{},
		PendingClarifications: []string{},
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// ActiveItems returns copies of the items that have not been deactivated,
// in insertion order.
func (s *CumulativeOrderState) ActiveItems() []CumulativeItem {
	active := make([]CumulativeItem, 0, len(s.Items))
	for _, it := range s.Items {
		if it.IsActive {
			active = append(active, it)
		}
	}
	return active
}

// Clone returns a deep copy of the state. Mutating the copy never affects s.
func (s *CumulativeOrderState) Clone() *CumulativeOrderState {
	if s == nil {
		return nil
	}
	c := *s
	c.Items = CloneItems(s.Items)
	c.PendingClarifications = append([]string{}, s.PendingClarifications...)
	return &c
}

// View returns a copy of the state restricted to active items, which is the
// default output shape for callers outside the engine.
func (s *CumulativeOrderState) View() *CumulativeOrderState {
	c := s.Clone()
	c.Items = s.ActiveItems()
	return c
}

// CloneItems deep-copies an item slice. A nil input yields an empty slice.
func CloneItems(items []CumulativeItem) []CumulativeItem {
	out := make([]CumulativeItem, len(items))
	copy(out, items)
	return out
}

// ModifiedItem records a quantity/unit overwrite produced by a merge.
type ModifiedItem struct {
	ProductName     string  `json:"product_name"`
	OldQuantity     float64 `json:"old_quantity"`
	NewQuantity     float64 `json:"new_quantity"`
	OldUnit         string  `json:"old_unit"`
	Unit            string  `json:"unit"`
	MatchConfidence float64 `json:"match_confidence"`
}

// UnchangedItem is a light summary of an active item a merge did not touch.
type UnchangedItem struct {
	ProductName string  `json:"product_name"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit"`
}

// ChangeSet partitions the effect of one merge.
type ChangeSet struct {
	Added     []CumulativeItem `json:"added"`
	Modified  []ModifiedItem   `json:"modified"`
	Unchanged []UnchangedItem  `json:"unchanged"`
}

// NewChangeSet returns a change set with empty (non-nil) buckets so that it
// serializes as arrays rather than nulls.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		Added:     []CumulativeItem{},
		Modified:  []ModifiedItem{},
		Unchanged: []UnchangedItem{},
	}
}

// Clone deep-copies the change set.
func (c *ChangeSet) Clone() ChangeSet {
	return ChangeSet{
		Added:     CloneItems(c.Added),
		Modified:  append([]ModifiedItem{}, c.Modified...),
		Unchanged: append([]UnchangedItem{}, c.Unchanged...),
	}
}

// Snapshot is the immutable record of a state at one version.
type Snapshot struct {
	ID                    string           `json:"id"`
	ConversationID        string           `json:"conversation_id"`
	MessageID             MessageID        `json:"message_id"`
	Version               int              `json:"version"`
	Items                 []CumulativeItem `json:"items"`
	Changes               ChangeSet        `json:"changes"`
	ExtractionConfidence  Confidence       `json:"extraction_confidence"`
	RequiresClarification bool             `json:"requires_clarification"`
	ClarificationItems    []string         `json:"clarification_items"`
	CreatedAt             time.Time        `json:"created_at"`
}

// MessageRole says who wrote a message.
type MessageRole string

const (
	RoleCustomer MessageRole = "customer"
	RoleSystem   MessageRole = "system"
)

// MessageKind distinguishes a first order from a follow-up answer.
type MessageKind string

const (
	KindOrder         MessageKind = "order"
	KindClarification MessageKind = "clarification"
)

// Message is one entry of a conversation's message log.
type Message struct {
	ID             MessageID   `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Kind           MessageKind `json:"kind"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
}
