// Package notify delivers transition events to logs, the audit table and
// Pub/Sub without blocking the request that produced them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gudangops/backend/internal/domain"
	"gudangops/backend/internal/store"
)

type Sink interface {
	Publish(ctx context.Context, event domain.TransitionEvent) error
}

// Emitter is what the workflow talks to. Emit must not block.
type Emitter interface {
	Emit(event domain.TransitionEvent)
}

type LogSink struct {
	logger logrus.FieldLogger
}

func NewLogSink(logger logrus.FieldLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, event domain.TransitionEvent) error {
	s.logger.WithFields(logrus.Fields{
		"record_id": event.RecordID,
		"subject":   event.Subject.String(),
		"from":      event.FromStatus,
		"to":        event.ToStatus,
		"actor":     event.Actor,
	}).Info("reconciliation transition")
	return nil
}

// AuditSink persists each event as an audit log row.
type AuditSink struct {
	audit store.AuditStore
}

func NewAuditSink(audit store.AuditStore) *AuditSink {
	return &AuditSink{audit: audit}
}

func (s *AuditSink) Publish(ctx context.Context, event domain.TransitionEvent) error {
	entityType, entityID := "reconciliation", event.RecordID
	if entityID == "" {
		entityType, entityID = event.Subject.Kind, event.Subject.ID
	}

	detail := fmt.Sprintf("subject=%s,from=%s,to=%s", event.Subject, event.FromStatus, event.ToStatus)
	if event.Detail != "" {
		detail += "," + event.Detail
	}

	return s.audit.CreateAuditLog(ctx, domain.AuditLog{
		ActorUsername: event.Actor,
		ActorRole:     event.ActorRole,
		Action:        auditAction(event),
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     event.Timestamp,
	})
}

func auditAction(event domain.TransitionEvent) string {
	switch event.ToStatus {
	case domain.RecordStatusApproved:
		return "reconciliation_approve"
	case domain.RecordStatusRejected:
		return "reconciliation_reject"
	case domain.CorrectionStatusCorrected:
		return "balance_correct"
	}
	return "reconciliation_" + event.ToStatus
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, event domain.TransitionEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher queues events for a single background worker. A full queue, or
// a dispatcher that is already closed, drops the event and logs a warning.
type Dispatcher struct {
	sink    Sink
	logger  logrus.FieldLogger
	queue   chan domain.TransitionEvent
	timeout time.Duration
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(sink Sink, queueSize int, logger logrus.FieldLogger) *Dispatcher {
	if queueSize < 1 {
		queueSize = 256
	}
	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		queue:   make(chan domain.TransitionEvent, queueSize),
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Emit(event domain.TransitionEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped(event, "notification dispatcher closed; event dropped")
		return
	}
	select {
	case d.queue <- event:
	default:
		d.dropped(event, "notification queue full; event dropped")
	}
}

func (d *Dispatcher) dropped(event domain.TransitionEvent, msg string) {
	d.logger.WithFields(logrus.Fields{
		"record_id": event.RecordID,
		"subject":   event.Subject.String(),
		"to":        event.ToStatus,
	}).Warn(msg)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Publish(ctx, event); err != nil {
			d.logger.WithFields(logrus.Fields{
				"record_id": event.RecordID,
				"subject":   event.Subject.String(),
				"to":        event.ToStatus,
			}).WithError(err).Warn("deliver notification")
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queue is drained or ctx
// ends. Later Emit calls drop their event; repeated Close calls only wait.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
