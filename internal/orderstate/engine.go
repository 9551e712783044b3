package orderstate

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/order-cli/internal/lock"
	"github.com/sells-group/order-cli/internal/metrics"
	"github.com/sells-group/order-cli/internal/model"
)

// Store is the persistence the engine needs. SaveMerge must write the state
// and the snapshot atomically and fail with model.ErrVersionConflict when the
// stored version is no longer prevVersion. SnapshotForMessage fails with
// model.ErrStateNotFound when the message was never merged. AppendMessage
// must accept a message id it already holds for the same conversation.
type Store interface {
	GetState(ctx context.Context, conversationID string) (*model.CumulativeOrderState, error)
	SaveMerge(ctx context.Context, prevVersion int, state *model.CumulativeOrderState, snap *model.Snapshot) error
	SnapshotForMessage(ctx context.Context, conversationID string, messageID model.MessageID) (*model.Snapshot, error)
	AppendMessage(ctx context.Context, msg *model.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
}

// Extractor turns message text into an extraction record. promptContext is
// the rendered running order and history from BuildContext.
type Extractor interface {
	Extract(ctx context.Context, text, promptContext string) (*model.Extraction, error)
}

// Result is the outcome of one applied merge.
type Result struct {
	State    *model.CumulativeOrderState `json:"state"`
	Changes  *model.ChangeSet            `json:"changes"`
	Snapshot *model.Snapshot             `json:"snapshot"`
	Routing  Routing                     `json:"routing"`
}

// Engine runs merges against persisted state with one writer per
// conversation. It merges into a copy of the loaded state and hands the copy
// back only after the store commit succeeded. Mappings learned from the merge
// reach the cache after the commit too.
type Engine struct {
	merger    *Merger
	store     Store
	locker    lock.Locker
	extractor Extractor
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithExtractor enables ProcessMessage.
func WithExtractor(x Extractor) EngineOption {
	return func(e *Engine) { e.extractor = x }
}

// WithLocker overrides the default in-process locker.
func WithLocker(l lock.Locker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

// NewEngine creates an Engine.
func NewEngine(m *Merger, s Store, opts ...EngineOption) *Engine {
	e := &Engine{merger: m, store: s, locker: lock.NewLocal()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Apply merges ext into the conversation's state and persists the new state
// together with its snapshot. A message id that was already merged into the
// conversation is not applied again; the recorded snapshot is returned with
// the current state.
func (e *Engine) Apply(ctx context.Context, conversationID string, ext *model.Extraction, messageID model.MessageID) (*Result, error) {
	start := time.Now()
	defer func() { metrics.MergeDuration.Observe(time.Since(start).Seconds()) }()

	if conversationID == "" {
		return nil, eris.New("orderstate: conversation id required")
	}

	release, err := e.locker.Lock(ctx, conversationID)
	if err != nil {
		metrics.MergesTotal.WithLabelValues("conflict").Inc()
		return nil, eris.Wrapf(err, "orderstate: lock conversation %s", conversationID)
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			zap.L().Warn("orderstate: release lock", zap.String("conversation_id", conversationID), zap.Error(rerr))
		}
	}()

	current, err := e.load(ctx, conversationID)
	if err != nil {
		metrics.MergesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if res, ok, err := e.replay(ctx, conversationID, current, messageID); err != nil || ok {
		return res, err
	}

	working := current.Clone()
	changes, learned, err := e.merger.merge(ctx, working, ext, messageID)
	if err != nil {
		metrics.MergesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	snap := NewSnapshot(working, messageID, changes, ext)

	if err := e.store.SaveMerge(ctx, current.Version, working, snap); err != nil {
		outcome := "error"
		if eris.Is(err, model.ErrVersionConflict) {
			outcome = "conflict"
		}
		metrics.MergesTotal.WithLabelValues(outcome).Inc()
		return nil, eris.Wrapf(err, "orderstate: save merge for %s", conversationID)
	}

	e.merger.learn(ctx, learned)

	metrics.MergesTotal.WithLabelValues("ok").Inc()
	zap.L().Info("orderstate: merge applied",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", string(messageID)),
		zap.Int("version", working.Version),
		zap.Int("added", len(changes.Added)),
		zap.Int("modified", len(changes.Modified)),
	)
	return &Result{State: working, Changes: changes, Snapshot: snap, Routing: Route(working)}, nil
}

func (e *Engine) load(ctx context.Context, conversationID string) (*model.CumulativeOrderState, error) {
	st, err := e.store.GetState(ctx, conversationID)
	if eris.Is(err, model.ErrStateNotFound) {
		return model.NewState(conversationID), nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "orderstate: load state %s", conversationID)
	}
	return st, nil
}

// replay reports the recorded outcome of messageID when it is already part of
// the conversation's history.
func (e *Engine) replay(ctx context.Context, conversationID string, current *model.CumulativeOrderState, messageID model.MessageID) (*Result, bool, error) {
	if messageID == "" || current.Version == 0 {
		return nil, false, nil
	}
	snap, err := e.store.SnapshotForMessage(ctx, conversationID, messageID)
	if eris.Is(err, model.ErrStateNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "orderstate: look up message %s", messageID)
	}

	metrics.MergesTotal.WithLabelValues("replay").Inc()
	zap.L().Info("orderstate: message already merged",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", string(messageID)),
		zap.Int("merged_version", snap.Version),
		zap.Int("version", current.Version),
	)
	changes := snap.Changes
	return &Result{State: current, Changes: &changes, Snapshot: snap, Routing: Route(current)}, true, nil
}

// ProcessMessage logs a customer message, extracts an order from it with the
// running order as context, and merges the result. Redelivering a message
// after a failure retries it; redelivering one that was merged returns the
// recorded outcome without extracting again.
func (e *Engine) ProcessMessage(ctx context.Context, msg model.Message) (*Result, error) {
	if e.extractor == nil {
		return nil, eris.New("orderstate: no extractor configured")
	}
	if msg.ID == "" {
		return nil, ErrMissingMessageID
	}

	current, err := e.load(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if res, ok, err := e.replay(ctx, msg.ConversationID, current, msg.ID); err != nil || ok {
		return res, err
	}
	if msg.Role == "" {
		msg.Role = model.RoleCustomer
	}
	if msg.Kind == "" {
		msg.Kind = model.KindOrder
		if current.Version > 0 {
			msg.Kind = model.KindClarification
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	history, err := e.store.ListMessages(ctx, msg.ConversationID)
	if err != nil {
		return nil, eris.Wrapf(err, "orderstate: list messages for %s", msg.ConversationID)
	}
	history = slices.DeleteFunc(history, func(m model.Message) bool { return m.ID == msg.ID })
	if err := e.store.AppendMessage(ctx, &msg); err != nil {
		return nil, eris.Wrapf(err, "orderstate: append message %s", msg.ID)
	}

	ext, err := e.extractor.Extract(ctx, msg.Content, BuildContext(current, history))
	if err != nil {
		return nil, eris.Wrapf(err, "orderstate: extract message %s", msg.ID)
	}
	return e.Apply(ctx, msg.ConversationID, ext, msg.ID)
}

// Job is one extraction to merge in a batch.
type Job struct {
	ConversationID string            `json:"conversation_id"`
	MessageID      model.MessageID   `json:"message_id"`
	Extraction     *model.Extraction `json:"extraction"`
}

// JobResult pairs a job with its outcome.
type JobResult struct {
	Job    Job
	Result *Result
	Err    error
}

// ApplyBatch merges jobs with up to limit conversations in flight. Jobs for
// the same conversation run in input order; after the first failure the
// remaining jobs of that conversation are skipped. Results line up with jobs.
func (e *Engine) ApplyBatch(ctx context.Context, jobs []Job, limit int) []JobResult {
	results := make([]JobResult, len(jobs))
	var order []string
	groups := make(map[string][]int)
	for i, j := range jobs {
		results[i].Job = j
		if _, ok := groups[j.ConversationID]; !ok {
			order = append(order, j.ConversationID)
		}
		groups[j.ConversationID] = append(groups[j.ConversationID], i)
	}

	g := new(errgroup.Group)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, conv := range order {
		idx := groups[conv]
		g.Go(func() error {
			var failed error
			for _, i := range idx {
				if failed != nil {
					results[i].Err = eris.Wrap(failed, "orderstate: skipped after earlier failure")
					continue
				}
				if err := ctx.Err(); err != nil {
					results[i].Err = err
					failed = err
					continue
				}
				res, err := e.Apply(ctx, jobs[i].ConversationID, jobs[i].Extraction, jobs[i].MessageID)
				results[i].Result, results[i].Err = res, err
				failed = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
