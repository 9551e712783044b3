package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/order-cli/internal/model"
	"github.com/sells-group/order-cli/internal/orderstate"
)

// fakeProcessor bumps a version per applied message and fails on demand.
type fakeProcessor struct {
	mu      sync.Mutex
	version int
	calls   []model.MessageID
	fail    map[model.MessageID][]error
}

func (f *fakeProcessor) ProcessMessage(_ context.Context, msg model.Message) (*orderstate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg.ID)
	if errs := f.fail[msg.ID]; len(errs) > 0 {
		f.fail[msg.ID] = errs[1:]
		return nil, errs[0]
	}

	f.version++
	state := model.NewState(msg.ConversationID)
	state.Version = f.version
	state.OverallConfidence = model.ConfidenceHigh
	changes := model.NewChangeSet()
	changes.Added = append(changes.Added, model.CumulativeItem{ProductName: "rice", Quantity: 1, Unit: "kg"})
	return &orderstate.Result{State: state, Changes: changes, Routing: orderstate.Route(state)}, nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type ConversationWorkflowSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite

	env  *testsuite.TestWorkflowEnvironment
	proc *fakeProcessor
}

func (s *ConversationWorkflowSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	s.proc = &fakeProcessor{fail: map[model.MessageID][]error{}}
	s.env.RegisterWorkflow(ConversationWorkflow)
	s.env.RegisterActivity(&Activities{Processor: s.proc})
}

func (s *ConversationWorkflowSuite) AfterTest(_, _ string) {
	s.env.AssertExpectations(s.T())
}

func (s *ConversationWorkflowSuite) signalAt(d time.Duration, id model.MessageID, text string) {
	s.env.RegisterDelayedCallback(func() {
		s.env.SignalWorkflow(MessageSignal, model.Message{ID: id, Content: text})
	}, d)
}

func (s *ConversationWorkflowSuite) result() Status {
	s.Require().True(s.env.IsWorkflowCompleted())
	s.Require().NoError(s.env.GetWorkflowError())
	var st Status
	s.Require().NoError(s.env.GetWorkflowResult(&st))
	return st
}

func (s *ConversationWorkflowSuite) TestAppliesMessagesInOrder() {
	s.signalAt(time.Minute, "m1", "50kg rice")
	s.signalAt(2*time.Minute, "m2", "add 2 trays of eggs")

	s.env.ExecuteWorkflow(ConversationWorkflow, Input{ConversationID: "conv-1", IdleTimeout: time.Hour})

	st := s.result()
	s.Equal("conv-1", st.ConversationID)
	s.Equal(2, st.Processed)
	s.Equal(0, st.Failed)
	s.Equal(2, st.Version)
	s.Equal(model.MessageID("m2"), st.LastMessageID)
	s.Equal(orderstate.DecisionAutoProcess, st.Routing.Decision)
	s.Equal([]model.MessageID{"m1", "m2"}, s.proc.calls)
}

func (s *ConversationWorkflowSuite) TestIdleWithoutMessages() {
	s.env.ExecuteWorkflow(ConversationWorkflow, Input{ConversationID: "conv-quiet"})

	st := s.result()
	s.Equal(0, st.Processed)
	s.Equal(0, s.proc.callCount())
}

func (s *ConversationWorkflowSuite) TestInvalidMessageIsNotRetried() {
	s.proc.fail["bad"] = []error{eris.Wrap(model.ErrInvalidExtraction, "negative quantity")}
	s.signalAt(time.Minute, "bad", "-3 rice")
	s.signalAt(2*time.Minute, "good", "3kg rice")

	s.env.ExecuteWorkflow(ConversationWorkflow, Input{ConversationID: "conv-2", IdleTimeout: time.Hour})

	st := s.result()
	s.Equal(1, st.Failed)
	s.Equal(1, st.Processed)
	s.Equal(1, st.Version)
	s.Empty(st.LastError)
	s.Equal([]model.MessageID{"bad", "good"}, s.proc.calls)
}

func (s *ConversationWorkflowSuite) TestMessageIDOfOtherConversationIsNotRetried() {
	s.proc.fail["dup"] = []error{eris.Wrap(model.ErrMessageIDInUse, "append")}
	s.signalAt(time.Minute, "dup", "50kg rice")

	s.env.ExecuteWorkflow(ConversationWorkflow, Input{ConversationID: "conv-7", IdleTimeout: time.Hour})

	st := s.result()
	s.Equal(1, st.Failed)
	s.Equal(0, st.Processed)
	s.Equal(1, s.proc.callCount())
}

func (s *ConversationWorkflowSuite) TestTransientFailureIsRetried() {
	s.proc.fail["m1"] = []error{eris.New("orderstate: lock busy")}
	s.signalAt(time.Minute, "m1", "50kg rice")

	s.env.ExecuteWorkflow(ConversationWorkflow, Input{ConversationID: "conv-3", IdleTimeout: time.Hour})

	st := s.result()
	s.Equal(1, st.Processed)
	s.Equal(0, st.Failed)
	s.Equal(2, s.proc.callCount())
}

func (s *ConversationWorkflowSuite) TestMessageAtIdleDeadlineIsApplied() {
	s.signalAt(time.Minute, "m1", "50kg rice")
	s.signalAt(time.Minute+time.Hour, "m2", "and 2kg sugar")

	s.env.ExecuteWorkflow(ConversationWorkflow, Input{ConversationID: "conv-6", IdleTimeout: time.Hour})

	st := s.result()
	s.Equal(2, st.Processed)
	s.Equal(model.MessageID("m2"), st.LastMessageID)
	s.Equal([]model.MessageID{"m1", "m2"}, s.proc.calls)
}

func (s *ConversationWorkflowSuite) TestStatusQuery() {
	s.signalAt(time.Minute, "m1", "50kg rice")
	s.env.RegisterDelayedCallback(func() {
		val, err := s.env.QueryWorkflow(StatusQuery)
		s.Require().NoError(err)
		var st Status
		s.Require().NoError(val.Get(&st))
		s.Equal(1, st.Processed)
		s.Equal(1, st.Version)
	}, 5*time.Minute)

	s.env.ExecuteWorkflow(ConversationWorkflow, Input{ConversationID: "conv-4", IdleTimeout: time.Hour})
	s.result()
}

func (s *ConversationWorkflowSuite) TestResumesFromCarriedStatus() {
	s.signalAt(time.Minute, "m501", "more sugar")

	s.env.ExecuteWorkflow(ConversationWorkflow, Input{
		ConversationID: "conv-5",
		IdleTimeout:    time.Hour,
		Status:         &Status{ConversationID: "conv-5", Processed: 500, Version: 500},
	})

	st := s.result()
	s.Equal(501, st.Processed)
}

func TestConversationWorkflowSuite(t *testing.T) {
	suite.Run(t, new(ConversationWorkflowSuite))
}

type mockSignaler struct {
	mock.Mock
}

func (m *mockSignaler) SignalWithStartWorkflow(ctx context.Context, workflowID string, signalName string, signalArg interface{},
	options client.StartWorkflowOptions, wf interface{}, workflowArgs ...interface{}) (client.WorkflowRun, error) {
	args := m.Called(ctx, workflowID, signalName, signalArg, options, workflowArgs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(client.WorkflowRun), args.Error(1)
}

type fakeRun struct {
	client.WorkflowRun
	runID string
}

func (r fakeRun) GetRunID() string { return r.runID }

func TestDeliver(t *testing.T) {
	sig := new(mockSignaler)
	msg := model.Message{ID: "m1", ConversationID: "conv-9", Content: "10 loaves bread"}
	sig.On("SignalWithStartWorkflow", mock.Anything, "conversation-conv-9", MessageSignal, msg,
		client.StartWorkflowOptions{ID: "conversation-conv-9", TaskQueue: "orders"},
		[]interface{}{Input{ConversationID: "conv-9", IdleTimeout: time.Hour}},
	).Return(fakeRun{runID: "run-1"}, nil)

	runID, err := Deliver(context.Background(), sig, "orders", time.Hour, msg)
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	sig.AssertExpectations(t)
}

func TestDeliver_Errors(t *testing.T) {
	sig := new(mockSignaler)
	_, err := Deliver(context.Background(), sig, "orders", time.Hour, model.Message{ID: "m1"})
	require.Error(t, err)

	sig.On("SignalWithStartWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, eris.New("temporal unavailable"))
	_, err = Deliver(context.Background(), sig, "orders", time.Hour, model.Message{ID: "m1", ConversationID: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal unavailable")
}
