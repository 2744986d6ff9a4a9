// Package audit provides the append-only event sink. Every authorization
// decision, success or failure, produces exactly one AuditEvent. Persistence
// is asynchronous and must never block or fail the decision itself.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-gateway/internal/domain"
)

// Repository persists audit events. Rows are write-only.
type Repository interface {
	InsertEvent(ctx context.Context, event domain.AuditEvent) error
}

// Recorder is the interface services depend on.
type Recorder interface {
	Record(event domain.AuditEvent)
}

// Sink buffers events on a channel and persists them from a background
// worker. A full buffer drops the row and logs an alert instead of blocking.
type Sink struct {
	repo   Repository
	logger *zap.Logger
	events chan domain.AuditEvent
	done   chan struct{}
}

var _ Recorder = (*Sink)(nil)

// NewSink constructs a sink with the given buffer size.
func NewSink(repo Repository, logger *zap.Logger, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Sink{
		repo:   repo,
		logger: logger,
		events: make(chan domain.AuditEvent, buffer),
		done:   make(chan struct{}),
	}
}

// Start launches the background writer.
func (s *Sink) Start() {
	go s.run()
}

// Record enqueues an event. Non-blocking: on a full buffer the event is
// logged at error level and dropped.
func (s *Sink) Record(event domain.AuditEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	select {
	case s.events <- event:
	default:
		s.logger.Error("audit buffer full, event dropped",
			zap.String("action", event.Action),
			zap.String("actor_id", event.ActorID),
			zap.String("reason_code", event.ReasonCode),
		)
	}
}

// Close drains the queue and stops the writer.
func (s *Sink) Close(ctx context.Context) error {
	close(s.events)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for event := range s.events {
		s.write(event)
	}
}

func (s *Sink) write(event domain.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fields := []zap.Field{
		zap.String("actor_type", string(event.ActorType)),
		zap.String("actor_id", event.ActorID),
		zap.String("action", event.Action),
		zap.String("outcome", string(event.Outcome)),
		zap.String("reason_code", event.ReasonCode),
		zap.String("ip", event.IP),
	}
	if event.Severity == "high" {
		s.logger.Warn("audit", fields...)
	} else {
		s.logger.Info("audit", fields...)
	}

	if s.repo == nil {
		return
	}
	if err := s.repo.InsertEvent(ctx, event); err != nil {
		// Persistence failures are alerted, not propagated.
		s.logger.Error("audit event persist failed", append(fields, zap.Error(err))...)
	}
}
