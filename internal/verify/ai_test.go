package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/profile-reconciler/internal/resilience"
	"github.com/sells-group/profile-reconciler/pkg/anthropic"
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
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}
}

func fastRetry() resilience.Policy {
	return resilience.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestClaudeVerifier_ModelPerLayer(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool {
		return r.Model == "fast-model"
	})).Return(reply(`{"passed":true,"score":93}`), nil).Once()
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool {
		return r.Model == "deep-model"
	})).Return(reply("Here you go:\n```json\n{\"passed\":false,\"score\":140,\"issues\":[\"email: stale\"]}\n```"), nil).Once()

	v := NewClaudeVerifier(client, ClaudeConfig{FastModel: "fast-model", DeepModel: "deep-model", Retry: fastRetry()})

	res, err := v.VerifyRecord(context.Background(), AIRequest{RecordID: "p-1", Layer: 2, Data: cleanRecord()})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 93.0, res.Score)

	res, err = v.VerifyRecord(context.Background(), AIRequest{RecordID: "p-1", Layer: 3, Data: cleanRecord()})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, 100.0, res.Score, "score is clamped")
	assert.Equal(t, []string{"email: stale"}, res.Issues)
	client.AssertExpectations(t)
}

func TestClaudeVerifier_RetriesTransient(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("read: connection reset by peer")).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(reply(`{"passed":true,"score":70}`), nil).Once()

	v := NewClaudeVerifier(client, ClaudeConfig{FastModel: "m", Retry: fastRetry()})
	res, err := v.VerifyRecord(context.Background(), AIRequest{RecordID: "p-2", Layer: 2})
	require.NoError(t, err)
	assert.Equal(t, 70.0, res.Score)
	client.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestClaudeVerifier_Errors(t *testing.T) {
	client := new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("invalid api key")).Once()
	v := NewClaudeVerifier(client, ClaudeConfig{FastModel: "m", Retry: fastRetry()})

	_, err := v.VerifyRecord(context.Background(), AIRequest{RecordID: "p-3", Layer: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ai layer 2 for p-3")
	client.AssertNumberOfCalls(t, "CreateMessage", 1)

	client = new(mockClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(reply("I cannot help with that."), nil)
	v = NewClaudeVerifier(client, ClaudeConfig{FastModel: "m", Retry: fastRetry()})
	_, err = v.VerifyRecord(context.Background(), AIRequest{RecordID: "p-3", Layer: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no json object")
}

func TestParseAIResult(t *testing.T) {
	res, err := parseAIResult(`{"passed":true,"score":-5,"suggestions":["ok"]}`)
	require.NoError(t, err)
	assert.Zero(t, res.Score)
	assert.Equal(t, []string{"ok"}, res.Suggestions)

	_, err = parseAIResult(`{"passed":`)
	require.Error(t, err)
}
