package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-evaluator/internal/dto"
)

func TestEvaluationEventsDeliversToSubmissionSubscribers(t *testing.T) {
	events := NewEvaluationEvents(nil, "", zerolog.Nop())

	first, cleanupFirst := events.Subscribe(1)
	other, cleanupOther := events.Subscribe(2)
	defer cleanupOther()

	events.Publish(context.Background(), dto.EvaluationStatusResponse{SubmissionID: 1, EvaluationStatus: "evaluating"})

	select {
	case status := <-first:
		require.Equal(t, "evaluating", status.EvaluationStatus)
	case <-time.After(time.Second):
		t.Fatal("expected event for submission 1")
	}

	select {
	case status := <-other:
		t.Fatalf("unexpected event for submission 2: %+v", status)
	default:
	}

	cleanupFirst()
	cleanupFirst()
	_, open := <-first
	require.False(t, open)
}

func TestEvaluationEventsIgnoresOwnRemoteEcho(t *testing.T) {
	events := NewEvaluationEvents(nil, "", zerolog.Nop()).(*evaluationEvents)
	updates, cleanup := events.Subscribe(5)
	defer cleanup()

	own, err := json.Marshal(evaluationEvent{Source: events.nodeID, Status: dto.EvaluationStatusResponse{SubmissionID: 5}})
	require.NoError(t, err)
	events.handleEvent(own)

	remote, err := json.Marshal(evaluationEvent{Source: "another-node", Status: dto.EvaluationStatusResponse{SubmissionID: 5, EvaluationStatus: "completed"}})
	require.NoError(t, err)
	events.handleEvent(remote)
	events.handleEvent([]byte("not json"))

	require.Len(t, updates, 1)
	status := <-updates
	require.Equal(t, "completed", status.EvaluationStatus)
}

func TestEvaluationEventsDropsWhenSubscriberIsSlow(t *testing.T) {
	events := NewEvaluationEvents(nil, "", zerolog.Nop())
	updates, cleanup := events.Subscribe(9)
	defer cleanup()

	for i := 0; i < evaluationStreamBufferSize+5; i++ {
		events.Publish(context.Background(), dto.EvaluationStatusResponse{SubmissionID: 9})
	}
	require.Len(t, updates, evaluationStreamBufferSize)
}
