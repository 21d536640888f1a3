package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-evaluator/internal/dto"
	"github.com/noah-isme/gema-evaluator/internal/observability"
)

const evaluationStreamBufferSize = 8

// EvaluationEvents fans evaluation status changes out to stream subscribers on every node.
type EvaluationEvents interface {
	Publish(ctx context.Context, status dto.EvaluationStatusResponse)
	Subscribe(submissionID uint) (<-chan dto.EvaluationStatusResponse, func())
	Start(ctx context.Context)
}

type evaluationEvents struct {
	nats    *nats.Conn
	subject string
	logger  zerolog.Logger
	broker  *evaluationBroker
	nodeID  string
}

type evaluationEvent struct {
	Source string                       `json:"source"`
	Status dto.EvaluationStatusResponse `json:"status"`
	SentAt time.Time                    `json:"sent_at"`
}

type evaluationBroker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan dto.EvaluationStatusResponse]struct{}
}

// NewEvaluationEvents constructs the event fan-out. natsConn may be nil for single-node setups.
func NewEvaluationEvents(natsConn *nats.Conn, subject string, logger zerolog.Logger) EvaluationEvents {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "gema.evaluations"
	}

	return &evaluationEvents{
		nats:    natsConn,
		subject: subject,
		logger:  logger.With().Str("component", "evaluation_events").Logger(),
		broker: &evaluationBroker{
			subscribers: make(map[uint]map[chan dto.EvaluationStatusResponse]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

func (e *evaluationEvents) Start(ctx context.Context) {
	if e.nats == nil {
		return
	}

	sub, err := e.nats.Subscribe(e.subject, func(msg *nats.Msg) {
		e.handleEvent(msg.Data)
	})
	if err != nil {
		e.logger.Error().Err(err).Str("subject", e.subject).Msg("failed to subscribe to evaluation events")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to drain evaluation events subscription")
		}
	}()
}

func (e *evaluationEvents) Publish(_ context.Context, status dto.EvaluationStatusResponse) {
	e.broker.broadcast(status)

	if e.nats == nil {
		return
	}

	payload, err := json.Marshal(evaluationEvent{Source: e.nodeID, Status: status, SentAt: time.Now().UTC()})
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to encode evaluation event")
		return
	}
	if err := e.nats.Publish(e.subject, payload); err != nil {
		e.logger.Warn().Err(err).Uint("submission_id", status.SubmissionID).Msg("failed to publish evaluation event")
	}
}

func (e *evaluationEvents) Subscribe(submissionID uint) (<-chan dto.EvaluationStatusResponse, func()) {
	channel := make(chan dto.EvaluationStatusResponse, evaluationStreamBufferSize)
	e.broker.subscribe(submissionID, channel)
	observability.StreamClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			e.broker.unsubscribe(submissionID, channel)
			observability.StreamClientsActive().Dec()
		})
	}
	return channel, cleanup
}

func (e *evaluationEvents) handleEvent(payload []byte) {
	var event evaluationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		e.logger.Warn().Err(err).Msg("invalid evaluation event payload")
		return
	}
	if event.Source == e.nodeID {
		return
	}
	e.broker.broadcast(event.Status)
}

func (b *evaluationBroker) subscribe(submissionID uint, ch chan dto.EvaluationStatusResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[submissionID]; !exists {
		b.subscribers[submissionID] = make(map[chan dto.EvaluationStatusResponse]struct{})
	}
	b.subscribers[submissionID][ch] = struct{}{}
}

func (b *evaluationBroker) unsubscribe(submissionID uint, ch chan dto.EvaluationStatusResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[submissionID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, submissionID)
		}
	}
}

func (b *evaluationBroker) broadcast(status dto.EvaluationStatusResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[status.SubmissionID] {
		select {
		case ch <- status:
		default:
		}
	}
}
