package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"gudangops/backend/internal/domain"
	"gudangops/backend/internal/store"
)

// CanTransition reports whether a record in status from may move to status to.
// Only pending records move, and only to a terminal status.
func CanTransition(from string, to string) bool {
	return from == domain.RecordStatusPending &&
		(to == domain.RecordStatusApproved || to == domain.RecordStatusRejected)
}

// Machine moves records out of pending. Each transition runs in one store
// transaction: the conditional status write and, for approvals, the subject
// delta commit together or not at all.
type Machine struct {
	repo store.Repository
	now  func() time.Time
}

func NewMachine(repo store.Repository) *Machine {
	return &Machine{repo: repo, now: time.Now}
}

func (m *Machine) Transition(ctx context.Context, id string, to string, note string, actor domain.Actor) (*domain.ReconciliationRecord, error) {
	if to != domain.RecordStatusApproved && to != domain.RecordStatusRejected {
		return nil, &ValidationError{Field: "status", Reason: "must be approved or rejected"}
	}
	note = strings.TrimSpace(note)
	if to == domain.RecordStatusRejected && note == "" {
		return nil, &ValidationError{Field: "note", Reason: "required when rejecting"}
	}

	var updated *domain.ReconciliationRecord
	err := m.repo.RunInTx(ctx, func(ctx context.Context, tx store.Repository) error {
		current, err := tx.GetRecord(ctx, id)
		if err != nil {
			return FromStoreError(err, "record", id)
		}
		if !CanTransition(current.Status, to) {
			return &InvalidTransitionError{RecordID: id, From: current.Status, To: to}
		}

		updated, err = tx.UpdateRecordStatus(ctx, id, to, note, actor.Username, m.now().UTC())
		if err != nil {
			if err = FromStoreError(err, "record", id); isTransition(err) {
				return &InvalidTransitionError{RecordID: id, From: current.Status, To: to}
			}
			return err
		}

		if to != domain.RecordStatusApproved {
			return nil
		}
		// the recorded variance is applied as a delta; the live value is never re-read
		if _, err := tx.ApplySubjectDelta(ctx, current.Subject, current.Variance()); err != nil {
			return &ApplyFailedError{RecordID: id, Subject: current.Subject.String(), Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func isTransition(err error) bool {
	var transitionErr *InvalidTransitionError
	return errors.As(err, &transitionErr)
}
