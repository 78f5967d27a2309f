// Package reconcile implements the approval-driven reconciliation workflow
// shared by stock opname and debt balance correction.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gudangops/backend/internal/balance"
	"gudangops/backend/internal/domain"
	"gudangops/backend/internal/inflight"
	"gudangops/backend/internal/notify"
	"gudangops/backend/internal/store"
)

const (
	defaultGuardTTL   = 30 * time.Second
	maxBatchItems     = 500
	batchReadParallel = 8
)

type SubmitInput struct {
	Subject       domain.SubjectRef
	ObservedValue decimal.Decimal
	Note          string
}

type Options struct {
	Guard    inflight.Guard
	Emitter  notify.Emitter
	Logger   logrus.FieldLogger
	GuardTTL time.Duration
}

// Workflow is the only entry point callers use. It validates input, claims
// the subject, delegates to the store, machine and corrector, and emits one
// event per terminal transition or applied correction.
type Workflow struct {
	repo      store.Repository
	machine   *Machine
	corrector *Corrector
	guard     inflight.Guard
	emitter   notify.Emitter
	logger    logrus.FieldLogger
	guardTTL  time.Duration
	now       func() time.Time
}

type discardEmitter struct{}

func (discardEmitter) Emit(domain.TransitionEvent) {}

func New(repo store.Repository, opts Options) *Workflow {
	w := &Workflow{
		repo:      repo,
		machine:   NewMachine(repo),
		corrector: NewCorrector(repo),
		guard:     opts.Guard,
		emitter:   opts.Emitter,
		logger:    opts.Logger,
		guardTTL:  opts.GuardTTL,
		now:       time.Now,
	}
	if w.guard == nil {
		w.guard = inflight.NewLocalGuard()
	}
	if w.emitter == nil {
		w.emitter = discardEmitter{}
	}
	if w.logger == nil {
		w.logger = logrus.StandardLogger()
	}
	if w.guardTTL <= 0 {
		w.guardTTL = defaultGuardTTL
	}
	w.logger = w.logger.WithField("component", "reconcile")
	return w
}

// Submit snapshots the subject's current value and stores a pending record.
func (w *Workflow) Submit(ctx context.Context, actor domain.Actor, in SubmitInput) (*domain.ReconciliationRecord, error) {
	in, err := normalizeSubmit(in)
	if err != nil {
		return nil, err
	}

	release, err := w.claim(ctx, in.Subject)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := w.repo.GetSubject(ctx, in.Subject)
	if err != nil {
		return nil, FromStoreError(err, in.Subject.Kind, in.Subject.ID)
	}

	created, err := w.repo.CreateRecord(ctx, w.newRecord(actor, in, snap.Value))
	if err != nil {
		return nil, FromStoreError(err, "record", "")
	}

	w.logger.WithFields(logrus.Fields{
		"record_id": created.ID,
		"subject":   created.Subject.String(),
		"variance":  created.Variance().String(),
		"actor":     actor.Username,
	}).Debug("record submitted")
	return created, nil
}

// SubmitBatch stores one pending record per item, all or none. Subjects are
// read in parallel and must be distinct.
func (w *Workflow) SubmitBatch(ctx context.Context, actor domain.Actor, items []SubmitInput) ([]domain.ReconciliationRecord, error) {
	if len(items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	if len(items) > maxBatchItems {
		return nil, &ValidationError{Field: "items", Reason: fmt.Sprintf("at most %d items per batch", maxBatchItems)}
	}

	seen := make(map[string]struct{}, len(items))
	normalized := make([]SubmitInput, len(items))
	for i, item := range items {
		item, err := normalizeSubmit(item)
		if err != nil {
			var validationErr *ValidationError
			if errors.As(err, &validationErr) {
				validationErr.Field = fmt.Sprintf("items[%d].%s", i, validationErr.Field)
			}
			return nil, err
		}
		key := item.Subject.String()
		if _, dup := seen[key]; dup {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].subject", i), Reason: "duplicate subject " + key}
		}
		seen[key] = struct{}{}
		normalized[i] = item
	}

	releases := make([]func(), 0, len(normalized))
	defer func() {
		for _, release := range releases {
			release()
		}
	}()
	for _, item := range normalized {
		release, err := w.claim(ctx, item.Subject)
		if err != nil {
			return nil, err
		}
		releases = append(releases, release)
	}

	values := make([]decimal.Decimal, len(normalized))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchReadParallel)
	for i, item := range normalized {
		i, item := i, item
		g.Go(func() error {
			snap, err := w.repo.GetSubject(gctx, item.Subject)
			if err != nil {
				return FromStoreError(err, item.Subject.Kind, item.Subject.ID)
			}
			values[i] = snap.Value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	created := make([]domain.ReconciliationRecord, 0, len(normalized))
	err := w.repo.RunInTx(ctx, func(ctx context.Context, tx store.Repository) error {
		for i, item := range normalized {
			record, err := tx.CreateRecord(ctx, w.newRecord(actor, item, values[i]))
			if err != nil {
				return FromStoreError(err, "record", "")
			}
			created = append(created, *record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.logger.WithFields(logrus.Fields{
		"items": len(created),
		"actor": actor.Username,
	}).Info("opname batch submitted")
	return created, nil
}

// Approve applies the record's variance to its subject. The note is optional.
func (w *Workflow) Approve(ctx context.Context, actor domain.Actor, id string, note string) (*domain.ReconciliationRecord, error) {
	return w.transition(ctx, actor, id, domain.RecordStatusApproved, note)
}

// Reject requires a non-empty note. The note is checked before the record's status.
func (w *Workflow) Reject(ctx context.Context, actor domain.Actor, id string, note string) (*domain.ReconciliationRecord, error) {
	if strings.TrimSpace(note) == "" {
		return nil, &ValidationError{Field: "note", Reason: "required when rejecting"}
	}
	return w.transition(ctx, actor, id, domain.RecordStatusRejected, note)
}

func (w *Workflow) transition(ctx context.Context, actor domain.Actor, id string, to string, note string) (*domain.ReconciliationRecord, error) {
	id = strings.TrimSpace(id)
	current, err := w.repo.GetRecord(ctx, id)
	if err != nil {
		return nil, FromStoreError(err, "record", id)
	}
	if !CanTransition(current.Status, to) {
		return nil, &InvalidTransitionError{RecordID: id, From: current.Status, To: to}
	}

	release, err := w.claim(ctx, current.Subject)
	if err != nil {
		return nil, err
	}
	defer release()

	updated, err := w.machine.Transition(ctx, id, to, note, actor)
	if err != nil {
		fields := logrus.Fields{"record_id": id, "to": to, "actor": actor.Username}
		if Retryable(err) {
			w.logger.WithFields(fields).WithError(err).Warn("transition failed")
		} else if !isTyped(err) {
			w.logger.WithFields(fields).WithError(err).Error("transition failed")
		}
		return nil, err
	}

	w.emitter.Emit(domain.TransitionEvent{
		RecordID:   updated.ID,
		Subject:    updated.Subject,
		FromStatus: domain.RecordStatusPending,
		ToStatus:   updated.Status,
		Actor:      actor.Username,
		ActorRole:  actor.Role,
		Detail:     fmt.Sprintf("variance=%s", updated.Variance()),
		Timestamp:  w.now().UTC(),
	})
	return updated, nil
}

// Delete removes a record that is still pending.
func (w *Workflow) Delete(ctx context.Context, actor domain.Actor, id string) error {
	id = strings.TrimSpace(id)
	current, err := w.repo.GetRecord(ctx, id)
	if err != nil {
		return FromStoreError(err, "record", id)
	}

	release, err := w.claim(ctx, current.Subject)
	if err != nil {
		return err
	}
	defer release()

	if err := w.repo.DeleteRecord(ctx, id); err != nil {
		err = FromStoreError(err, "record", id)
		if isTransition(err) {
			return &InvalidTransitionError{RecordID: id, From: current.Status, To: "deleted"}
		}
		return err
	}

	w.logger.WithFields(logrus.Fields{"record_id": id, "actor": actor.Username}).Debug("record deleted")
	return nil
}

// Reconcile runs the correction engine for one debt subject.
func (w *Workflow) Reconcile(ctx context.Context, actor domain.Actor, ref domain.SubjectRef) (Correction, error) {
	ref.ID = strings.TrimSpace(ref.ID)
	if !ref.IsDebt() {
		return Correction{}, &ValidationError{Field: "subject.kind", Reason: "only debt subjects have an installment ledger"}
	}

	release, err := w.claim(ctx, ref)
	if err != nil {
		return Correction{}, err
	}
	defer release()

	out, err := w.corrector.Reconcile(ctx, ref)
	if err != nil {
		return Correction{}, err
	}
	if !out.Corrected {
		return out, nil
	}

	w.emitter.Emit(domain.TransitionEvent{
		Subject:    ref,
		FromStatus: domain.CorrectionStatusDrifted,
		ToStatus:   domain.CorrectionStatusCorrected,
		Actor:      actor.Username,
		ActorRole:  actor.Role,
		Detail:     fmt.Sprintf("paid %s -> %s, remaining %s", out.Before, out.After, out.Remaining),
		Timestamp:  w.now().UTC(),
	})
	w.logger.WithFields(logrus.Fields{
		"subject": ref.String(),
		"before":  out.Before.String(),
		"after":   out.After.String(),
		"actor":   actor.Username,
	}).Info("debt balance corrected")
	return out, nil
}

func (w *Workflow) Get(ctx context.Context, id string) (*domain.ReconciliationRecord, error) {
	id = strings.TrimSpace(id)
	record, err := w.repo.GetRecord(ctx, id)
	if err != nil {
		return nil, FromStoreError(err, "record", id)
	}
	return record, nil
}

func (w *Workflow) List(ctx context.Context, filter domain.RecordFilter) (domain.RecordPage, error) {
	if filter.Status != "" && !domain.ValidRecordStatus(filter.Status) {
		return domain.RecordPage{}, &ValidationError{Field: "status", Reason: "unknown status"}
	}
	if filter.SubjectKind != "" && !domain.ValidSubjectKind(filter.SubjectKind) {
		return domain.RecordPage{}, &ValidationError{Field: "subject_kind", Reason: "unknown subject kind"}
	}
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return domain.RecordPage{}, &ValidationError{Field: "from", Reason: "must be before to"}
	}

	page, err := w.repo.ListRecords(ctx, store.NormalizePage(filter))
	if err != nil {
		return domain.RecordPage{}, FromStoreError(err, "record", "")
	}
	return page, nil
}

func (w *Workflow) claim(ctx context.Context, ref domain.SubjectRef) (func(), error) {
	key := ref.String()
	release, err := w.guard.Acquire(ctx, key, w.guardTTL)
	if errors.Is(err, inflight.ErrBusy) {
		return nil, &BusyError{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	return release, nil
}

func (w *Workflow) newRecord(actor domain.Actor, in SubmitInput, authoritative decimal.Decimal) domain.ReconciliationRecord {
	return domain.ReconciliationRecord{
		Subject:            in.Subject,
		AuthoritativeValue: authoritative,
		ObservedValue:      in.ObservedValue,
		Status:             domain.RecordStatusPending,
		Note:               in.Note,
		SubmittedBy:        actor.Username,
		CreatedAt:          w.now().UTC(),
	}
}

func normalizeSubmit(in SubmitInput) (SubmitInput, error) {
	in.Subject.Kind = strings.TrimSpace(in.Subject.Kind)
	in.Subject.ID = strings.TrimSpace(in.Subject.ID)
	in.Note = strings.TrimSpace(in.Note)

	if !domain.ValidSubjectKind(in.Subject.Kind) {
		return in, &ValidationError{Field: "subject.kind", Reason: "unknown subject kind"}
	}
	if in.Subject.ID == "" {
		return in, &ValidationError{Field: "subject.id", Reason: "required"}
	}
	if in.Subject.Kind == domain.SubjectKindStock {
		if _, _, ok := domain.SplitStockSubjectID(in.Subject.ID); !ok {
			return in, &ValidationError{Field: "subject.id", Reason: "must be product@location"}
		}
	}
	if in.ObservedValue.IsNegative() {
		return in, &ValidationError{Field: "observed_value", Reason: "must not be negative"}
	}
	if !balance.Representable(in.ObservedValue) {
		return in, &ValidationError{Field: "observed_value", Reason: fmt.Sprintf("at most %d decimal places and %d integer digits", balance.MaxScale, balance.MaxIntegerDigits)}
	}
	return in, nil
}
