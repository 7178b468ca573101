package anthropic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nurture-cli/pkg/anthropic"
	"github.com/sells-group/nurture-cli/pkg/anthropic/mocks"
)

func TestPollBatch_CompletesAfterInProgress(t *testing.T) {
	mc := mocks.NewMockClient(t)
	mc.On("GetBatch", mock.Anything, "b1").
		Return(&anthropic.BatchResponse{ID: "b1", ProcessingStatus: "in_progress"}, nil).Twice()
	mc.On("GetBatch", mock.Anything, "b1").
		Return(&anthropic.BatchResponse{ID: "b1", ProcessingStatus: "ended"}, nil).Once()

	resp, err := anthropic.PollBatch(context.Background(), mc, "b1",
		anthropic.WithPollInterval(time.Millisecond),
		anthropic.WithPollCap(2*time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, "ended", resp.ProcessingStatus)
}

func TestPollBatch_TerminalFailures(t *testing.T) {
	for _, status := range []string{"expired", "canceled", "canceling"} {
		t.Run(status, func(t *testing.T) {
			mc := mocks.NewMockClient(t)
			mc.On("GetBatch", mock.Anything, "b").
				Return(&anthropic.BatchResponse{ID: "b", ProcessingStatus: status}, nil)

			_, err := anthropic.PollBatch(context.Background(), mc, "b")
			require.Error(t, err)
		})
	}
}

func TestPollBatch_Timeout(t *testing.T) {
	mc := mocks.NewMockClient(t)
	mc.On("GetBatch", mock.Anything, "slow").
		Return(&anthropic.BatchResponse{ID: "slow", ProcessingStatus: "in_progress"}, nil)

	_, err := anthropic.PollBatch(context.Background(), mc, "slow",
		anthropic.WithPollInterval(5*time.Millisecond),
		anthropic.WithPollTimeout(20*time.Millisecond),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestPollBatch_GetError(t *testing.T) {
	mc := mocks.NewMockClient(t)
	mc.On("GetBatch", mock.Anything, "x").Return(nil, errors.New("boom"))

	_, err := anthropic.PollBatch(context.Background(), mc, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll batch x")
}

func TestCollectBatchResults_IteratorError(t *testing.T) {
	iter := &mocks.SliceIterator{
		Items: []anthropic.BatchResultItem{{CustomID: "a", Type: "succeeded", Message: &anthropic.MessageResponse{}}},
		Fail:  errors.New("stream broke"),
	}
	_, err := anthropic.CollectBatchResults(iter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collect batch results")
}

func TestRunBatch(t *testing.T) {
	mc := mocks.NewMockClient(t)
	req := anthropic.BatchRequest{Requests: []anthropic.BatchRequestItem{{CustomID: "p-0"}, {CustomID: "p-1"}}}

	mc.On("CreateBatch", mock.Anything, req).
		Return(&anthropic.BatchResponse{ID: "b9", ProcessingStatus: "in_progress"}, nil)
	mc.On("GetBatch", mock.Anything, "b9").
		Return(&anthropic.BatchResponse{ID: "b9", ProcessingStatus: "ended"}, nil)
	mc.On("GetBatchResults", mock.Anything, "b9").Return(&mocks.SliceIterator{
		Items: []anthropic.BatchResultItem{
			{CustomID: "p-0", Type: "succeeded", Message: &anthropic.MessageResponse{
				Content: []anthropic.ContentBlock{{Type: "text", Text: "ok"}},
			}},
			{CustomID: "p-1", Type: "expired"},
		},
	}, nil)

	res, err := anthropic.RunBatch(context.Background(), mc, req, anthropic.WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Succeeded["p-0"].Text())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "p-1", res.Failures[0].CustomID)
}

func TestRunBatch_CreateError(t *testing.T) {
	mc := mocks.NewMockClient(t)
	mc.On("CreateBatch", mock.Anything, mock.Anything).Return(nil, errors.New("denied"))

	_, err := anthropic.RunBatch(context.Background(), mc, anthropic.BatchRequest{})
	require.Error(t, err)
}
