package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/order-cli/internal/model"
	"github.com/sells-group/order-cli/internal/resilience"
	"github.com/sells-group/order-cli/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func reply(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:         "msg_1",
		StopReason: "end_turn",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:      anthropic.TokenUsage{InputTokens: 900, OutputTokens: 120},
	}
}

func testExtractor(c anthropic.Client) *Extractor {
	return New(c, Config{
		RatePerSecond: 1000,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	})
}

const riceReply = `{
  "customer_name": "Mama Njeri",
  "customer_organization": "Serena Lodge",
  "items": [
    {"product_name": "rice", "quantity": 50, "unit": "kg", "confidence": "high", "original_text": "50kg rice", "notes": null}
  ],
  "requested_delivery_date": "Friday",
  "delivery_urgency": null,
  "overall_confidence": "high",
  "requires_clarification": false,
  "clarification_needed": [],
  "detected_language": "english",
  "raw_message": "ignored"
}`

func TestExtract_Success(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && req.Messages[0].Role == "user"
	})).Return(reply(riceReply), nil)

	ext, err := testExtractor(mc).Extract(context.Background(), "  50kg rice for Friday  ", "")
	require.NoError(t, err)

	assert.Equal(t, "Mama Njeri", ext.CustomerName)
	assert.Equal(t, "Serena Lodge", ext.CustomerOrganization)
	require.Len(t, ext.Items, 1)
	assert.Equal(t, "rice", ext.Items[0].ProductName)
	assert.Equal(t, 50.0, ext.Items[0].Quantity)
	assert.Equal(t, model.ConfidenceHigh, ext.Items[0].Confidence)
	assert.Empty(t, ext.Items[0].Notes)
	assert.Equal(t, "Friday", ext.RequestedDeliveryDate)
	assert.Empty(t, ext.DeliveryUrgency)
	assert.Equal(t, "50kg rice for Friday", ext.RawMessage)
	mc.AssertExpectations(t)
}

func TestExtract_PromptCarriesContext(t *testing.T) {
	mc := new(mockClient)
	var got anthropic.MessageRequest
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(anthropic.MessageRequest) }).
		Return(reply(riceReply), nil)

	_, err := testExtractor(mc).Extract(context.Background(), "add 2 crates of eggs", "CURRENT ORDER STATE:\n- rice: 50 kg")
	require.NoError(t, err)

	prompt := got.Messages[0].Content
	assert.Contains(t, prompt, "CURRENT ORDER STATE:\n- rice: 50 kg")
	assert.Contains(t, prompt, "<message>\nadd 2 crates of eggs\n</message>")
	assert.Equal(t, systemPrompt, got.System[0].Text)
}

func TestExtract_CustomerFallback(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{
			name:  "organization",
			reply: `{"customer_name": null, "customer_organization": "Kilima Camp", "items": [], "overall_confidence": "medium", "requires_clarification": false}`,
			want:  "Kilima Camp",
		},
		{
			name:  "unknown",
			reply: `{"customer_name": "  ", "customer_organization": null, "items": [], "overall_confidence": "low", "requires_clarification": true}`,
			want:  UnknownCustomer,
		},
		{
			name:  "missing field",
			reply: `{"items": [], "overall_confidence": "low", "requires_clarification": true}`,
			want:  UnknownCustomer,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := new(mockClient)
			mc.On("CreateMessage", mock.Anything, mock.Anything).Return(reply(tt.reply), nil)

			ext, err := testExtractor(mc).Extract(context.Background(), "the usual please", "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ext.CustomerName)
		})
	}
}

func TestExtract_UnknownLanguageDefaultsToEnglish(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(reply(
		`{"customer_name": "Juma", "items": [], "overall_confidence": "high", "requires_clarification": false, "detected_language": "french"}`,
	), nil)

	ext, err := testExtractor(mc).Extract(context.Background(), "bonjour", "")
	require.NoError(t, err)
	assert.Equal(t, model.LanguageEnglish, ext.DetectedLanguage)
}

func TestExtract_FencedReply(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(reply("Here you go:\n```json\n"+riceReply+"\n```"), nil)

	ext, err := testExtractor(mc).Extract(context.Background(), "50kg rice", "")
	require.NoError(t, err)
	assert.Len(t, ext.Items, 1)
}

func TestExtract_MalformedReply(t *testing.T) {
	tests := map[string]string{
		"not json":           "I could not find an order in that message.",
		"bad confidence":     `{"customer_name": "A", "items": [], "overall_confidence": "certain", "requires_clarification": false}`,
		"missing items":      `{"customer_name": "A", "overall_confidence": "high", "requires_clarification": false}`,
		"negative quantity":  `{"customer_name": "A", "items": [{"product_name": "rice", "quantity": -1, "unit": "kg", "confidence": "high"}], "overall_confidence": "high", "requires_clarification": false}`,
		"missing item field": `{"customer_name": "A", "items": [{"product_name": "rice", "unit": "kg", "confidence": "high"}], "overall_confidence": "high", "requires_clarification": false}`,
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			mc := new(mockClient)
			mc.On("CreateMessage", mock.Anything, mock.Anything).Return(reply(text), nil)

			_, err := testExtractor(mc).Extract(context.Background(), "order", "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedResponse), "got %v", err)
		})
	}
}

func TestExtract_EmptyMessage(t *testing.T) {
	mc := new(mockClient)
	_, err := testExtractor(mc).Extract(context.Background(), "   ", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidExtraction))
	mc.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestExtract_RetriesTransientFailure(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Once()
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(reply(riceReply), nil).Once()

	ext, err := testExtractor(mc).Extract(context.Background(), "50kg rice", "")
	require.NoError(t, err)
	assert.Len(t, ext.Items, 1)
	mc.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestExtract_PermanentFailureNotRetried(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("invalid x-api-key"))

	_, err := testExtractor(mc).Extract(context.Background(), "50kg rice", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid x-api-key")
	mc.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestExtract_GivesUpAfterMaxAttempts(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("service unavailable"), 503))

	_, err := testExtractor(mc).Extract(context.Background(), "50kg rice", "")
	require.Error(t, err)
	mc.AssertNumberOfCalls(t, "CreateMessage", 3)
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"Sure! {\"a\": {\"b\": 2}} hope that helps", `{"a": {"b": 2}}`},
		{"no json here", "no json here"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanJSON(tt.in))
	}
}

func TestUserPrompt_NoContext(t *testing.T) {
	p := userPrompt("5 trays mayai", "   ")
	assert.True(t, strings.HasPrefix(p, "Extract the order information"))
	assert.Contains(t, p, "<message>\n5 trays mayai\n</message>")
}
