package notify

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gudangops/backend/internal/domain"
	"gudangops/backend/internal/store/memory"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.TransitionEvent
	block  chan struct{}
	err    error
}

func (s *recordingSink) Publish(_ context.Context, event domain.TransitionEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func approvedEvent(id string) domain.TransitionEvent {
	return domain.TransitionEvent{
		RecordID:   id,
		Subject:    domain.SubjectRef{Kind: domain.SubjectKindStock, ID: "BERAS-PREMIUM@gudang-utama"},
		FromStatus: domain.RecordStatusPending,
		ToStatus:   domain.RecordStatusApproved,
		Actor:      "spv-budi",
		ActorRole:  "supervisor",
		Timestamp:  time.Now().UTC(),
	}
}

func TestDispatcherDeliversQueuedEventsBeforeClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 8, quietLogger())

	for i := 0; i < 5; i++ {
		d.Emit(approvedEvent("rec-1"))
	}

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 5, sink.count())
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(sink, 1, quietLogger())

	// first event is picked up by the worker and blocks, second fills the queue
	d.Emit(approvedEvent("rec-1"))
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, 5*time.Millisecond)
	d.Emit(approvedEvent("rec-2"))
	d.Emit(approvedEvent("rec-3"))

	close(sink.block)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 2, sink.count())
}

func TestDispatcherEmitAfterCloseDropsEvent(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 4, quietLogger())

	d.Emit(approvedEvent("rec-1"))
	require.NoError(t, d.Close(context.Background()))

	assert.NotPanics(t, func() { d.Emit(approvedEvent("rec-2")) })
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 1, sink.count())
}

func TestDispatcherEmitRacingClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 64, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d.Emit(approvedEvent("rec-race"))
			}
		}()
	}
	require.NoError(t, d.Close(context.Background()))
	wg.Wait()
	assert.LessOrEqual(t, sink.count(), 400)
}

func TestMultiJoinsErrorsAndKeepsPublishing(t *testing.T) {
	failing := &recordingSink{err: errors.New("topic unavailable")}
	ok := &recordingSink{}

	err := Multi{failing, ok}.Publish(context.Background(), approvedEvent("rec-9"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topic unavailable")
	assert.Equal(t, 1, ok.count())
}

func TestAuditSinkWritesAuditRow(t *testing.T) {
	repo := memory.New()
	sink := NewAuditSink(repo)

	event := approvedEvent("rec-42")
	require.NoError(t, sink.Publish(context.Background(), event))

	correction := domain.TransitionEvent{
		Subject:    domain.SubjectRef{Kind: domain.SubjectKindPayable, ID: "debt-1"},
		FromStatus: domain.CorrectionStatusDrifted,
		ToStatus:   domain.CorrectionStatusCorrected,
		Actor:      "admin",
		Detail:     "paid 500000 -> 650000",
		Timestamp:  time.Now().UTC(),
	}
	require.NoError(t, sink.Publish(context.Background(), correction))

	logs, err := repo.ListAuditLogs(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	byAction := map[string]domain.AuditLog{}
	for _, entry := range logs {
		byAction[entry.Action] = entry
	}
	assert.Equal(t, "rec-42", byAction["reconciliation_approve"].EntityID)
	assert.Equal(t, "supervisor", byAction["reconciliation_approve"].ActorRole)
	assert.Equal(t, "debt-1", byAction["balance_correct"].EntityID)
	assert.Contains(t, byAction["balance_correct"].Detail, "paid 500000 -> 650000")
}
