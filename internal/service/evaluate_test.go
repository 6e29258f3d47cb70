package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annolab/annolab/internal/llm"
	"github.com/annolab/annolab/internal/queue"
)

func TestEvaluateHappyPath(t *testing.T) {
	ctx := context.Background()
	store := newFakeRecordStore()
	for i := range 3 {
		store.add(fmt.Sprintf("task %d", i), "response")
	}
	completer := &fakeCompleter{}

	eval := NewEvaluator(&fakeTracker{}, store, completer, nil)
	job := processingJob(queue.TypeEvaluate, queue.EvaluatePayload{ProjectID: "p1"})

	result, err := eval.Handle(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Evaluated)
	assert.Equal(t, 0, result.ErrorCount)
	assert.Len(t, store.verdicts, 3)
	for _, verdict := range store.verdicts {
		assert.Equal(t, "PASS|looks good", verdict)
	}
}

func TestEvaluateCustomPrompt(t *testing.T) {
	ctx := context.Background()
	store := newFakeRecordStore()
	rec := store.add("grade this", "answer")

	eval := NewEvaluator(&fakeTracker{}, store, &fakeCompleter{}, nil)
	job := processingJob(queue.TypeEvaluate, queue.EvaluatePayload{
		ProjectID: "p1",
		Prompt:    "Be extremely strict.",
	})

	_, err := eval.Handle(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "CUSTOM|grade this", store.verdicts[rec.ID])
}

func TestEvaluateContinuesPastBadRecords(t *testing.T) {
	ctx := context.Background()
	store := newFakeRecordStore()
	bad := store.add("broken task", "response")
	good := store.add("good task", "response")

	completer := &fakeCompleter{
		failing: map[string]error{"broken task": errors.New("no response choices")},
	}

	eval := NewEvaluator(&fakeTracker{}, store, completer, nil)
	job := processingJob(queue.TypeEvaluate, queue.EvaluatePayload{ProjectID: "p1"})

	result, err := eval.Handle(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Evaluated)
	assert.Equal(t, 1, result.ErrorCount)
	assert.Equal(t, "ERROR: no response choices", store.verdicts[bad.ID])
	assert.Equal(t, "PASS|looks good", store.verdicts[good.ID])
}

func TestEvaluateProviderOutageFailsJob(t *testing.T) {
	ctx := context.Background()
	store := newFakeRecordStore()
	store.add("task", "response")

	completer := &fakeCompleter{
		failing: map[string]error{"task": fmt.Errorf("generate: %w", llm.ErrProviderUnavailable)},
	}

	eval := NewEvaluator(&fakeTracker{}, store, completer, nil)
	job := processingJob(queue.TypeEvaluate, queue.EvaluatePayload{ProjectID: "p1"})

	_, err := eval.Handle(ctx, job)
	require.ErrorIs(t, err, llm.ErrProviderUnavailable)
	assert.Empty(t, store.verdicts)
}

func TestEvaluateCancelledBetweenBatches(t *testing.T) {
	ctx := context.Background()
	tracker := &fakeTracker{cancelAfter: 1}
	store := newFakeRecordStore()
	for i := range 25 {
		store.add(fmt.Sprintf("task %d", i), "response")
	}

	eval := NewEvaluator(tracker, store, &fakeCompleter{}, nil)
	job := processingJob(queue.TypeEvaluate, queue.EvaluatePayload{ProjectID: "p1"})

	result, err := eval.Handle(ctx, job)
	require.ErrorIs(t, err, queue.ErrCancelled)

	// One batch of 20 was evaluated before the cancellation was observed.
	assert.Equal(t, 20, result.Evaluated)
	assert.Len(t, store.verdicts, 20)
}
