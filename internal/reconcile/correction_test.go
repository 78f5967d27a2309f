package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gudangops/backend/internal/domain"
	"gudangops/backend/internal/store/memory"
)

// driftedDebt creates a debt whose denormalized paid (500k) disagrees with its
// ledger (250k + 400k).
func driftedDebt(t *testing.T, repo *memory.Store, total string) domain.SubjectRef {
	t.Helper()
	ctx := context.Background()

	debt, err := repo.CreateDebt(ctx, domain.Debt{
		Kind:      domain.SubjectKindPayable,
		PartyName: "UD Tani Jaya",
		Total:     dec(total),
		Paid:      dec("500000"),
	})
	require.NoError(t, err)
	for _, amount := range []string{"250000", "400000"} {
		_, err := repo.CreateInstallment(ctx, domain.Installment{DebtID: debt.ID, Amount: dec(amount)})
		require.NoError(t, err)
	}
	return domain.SubjectRef{Kind: debt.Kind, ID: debt.ID}
}

func TestReconcileRewritesPaidFromLedger(t *testing.T) {
	w, repo, emitter := newTestWorkflow(t)
	ctx := context.Background()
	ref := driftedDebt(t, repo, "1000000")

	first, err := w.Reconcile(ctx, supervisor, ref)
	require.NoError(t, err)
	assert.True(t, first.Corrected)
	assert.True(t, first.Before.Equal(dec("500000")))
	assert.True(t, first.After.Equal(dec("650000")))
	assert.True(t, first.Remaining.Equal(dec("350000")))
	assert.False(t, first.Overpaid)

	debt, err := repo.GetDebt(ctx, ref.ID)
	require.NoError(t, err)
	assert.True(t, debt.Paid.Equal(dec("650000")))
	assert.True(t, debt.Remaining.Equal(dec("350000")))

	second, err := w.Reconcile(ctx, supervisor, ref)
	require.NoError(t, err)
	assert.False(t, second.Corrected)
	assert.True(t, second.Remaining.Equal(dec("350000")))

	events := emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.CorrectionStatusCorrected, events[0].ToStatus)
	assert.Equal(t, ref, events[0].Subject)
}

func TestReconcileClampsOverpaidRemaining(t *testing.T) {
	w, repo, _ := newTestWorkflow(t)
	ref := driftedDebt(t, repo, "600000")

	out, err := w.Reconcile(context.Background(), supervisor, ref)
	require.NoError(t, err)
	assert.True(t, out.Corrected)
	assert.True(t, out.Remaining.IsZero())
	assert.True(t, out.Overpaid)
	assert.True(t, out.Excess.Equal(dec("50000")))
}

func TestReconcileConsistentSeedIsNoop(t *testing.T) {
	w, _, emitter := newTestWorkflow(t)

	out, err := w.Reconcile(context.Background(), supervisor, domain.SubjectRef{Kind: domain.SubjectKindReceivable, ID: "debt-toko-berkah"})
	require.NoError(t, err)
	assert.False(t, out.Corrected)
	assert.True(t, out.After.Equal(dec("650000")))
	assert.Empty(t, emitter.all())
}

func TestReconcileRejectsStockAndUnknownDebts(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	_, err := w.Reconcile(ctx, supervisor, berasGudang)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)

	_, err = w.Reconcile(ctx, supervisor, domain.SubjectRef{Kind: domain.SubjectKindPayable, ID: "debt-missing"})
	var notFoundErr *NotFoundError
	require.ErrorAs(t, err, &notFoundErr)

	// kind must match the stored debt
	_, err = w.Reconcile(ctx, supervisor, domain.SubjectRef{Kind: domain.SubjectKindPayable, ID: "debt-toko-berkah"})
	require.ErrorAs(t, err, &notFoundErr)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(domain.RecordStatusPending, domain.RecordStatusApproved))
	assert.True(t, CanTransition(domain.RecordStatusPending, domain.RecordStatusRejected))
	assert.False(t, CanTransition(domain.RecordStatusPending, domain.RecordStatusPending))
	assert.False(t, CanTransition(domain.RecordStatusApproved, domain.RecordStatusRejected))
	assert.False(t, CanTransition(domain.RecordStatusRejected, domain.RecordStatusApproved))
	assert.False(t, CanTransition(domain.RecordStatusApproved, domain.RecordStatusApproved))
}

func TestUserMessageCoversEveryKind(t *testing.T) {
	msgs := map[string]bool{}
	for _, err := range []error{
		&ValidationError{Field: "note", Reason: "required"},
		&InvalidTransitionError{RecordID: "rec-1"},
		&ApplyFailedError{RecordID: "rec-1"},
		&NotFoundError{Entity: "record", ID: "rec-1"},
		&BusyError{Key: "stock:x"},
		assert.AnError,
	} {
		msg := UserMessage(err)
		assert.NotEmpty(t, msg)
		msgs[msg] = true
	}
	assert.Len(t, msgs, 6)
}

func TestApprovedDebtRecordSurvivesReconcile(t *testing.T) {
	w, repo, _ := newTestWorkflow(t)
	ctx := context.Background()

	debt, err := repo.CreateDebt(ctx, domain.Debt{
		Kind:      domain.SubjectKindPayable,
		PartyName: "PT Sinar Pangan",
		Total:     dec("1000000"),
		Paid:      dec("400000"),
	})
	require.NoError(t, err)
	_, err = repo.CreateInstallment(ctx, domain.Installment{DebtID: debt.ID, Amount: dec("500000")})
	require.NoError(t, err)
	ref := domain.SubjectRef{Kind: debt.Kind, ID: debt.ID}

	record, err := w.Submit(ctx, staff, SubmitInput{Subject: ref, ObservedValue: dec("650000"), Note: "supplier statement"})
	require.NoError(t, err)
	assert.True(t, record.AuthoritativeValue.Equal(dec("500000")), "snapshot = %s", record.AuthoritativeValue)
	assert.True(t, record.Variance().Equal(dec("150000")))

	_, err = w.Approve(ctx, supervisor, record.ID, "matches statement")
	require.NoError(t, err)

	approved, err := repo.GetDebt(ctx, ref.ID)
	require.NoError(t, err)
	assert.True(t, approved.Paid.Equal(dec("650000")), "paid = %s", approved.Paid)
	assert.True(t, approved.Remaining.Equal(dec("350000")))

	out, err := w.Reconcile(ctx, supervisor, ref)
	require.NoError(t, err)
	assert.False(t, out.Corrected)
	assert.True(t, out.After.Equal(dec("650000")))

	after, err := repo.GetDebt(ctx, ref.ID)
	require.NoError(t, err)
	assert.True(t, after.Paid.Equal(dec("650000")), "paid = %s", after.Paid)

	entries, err := repo.ListInstallments(ctx, ref.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.InstallmentKindAdjustment, entries[1].Kind)
	assert.True(t, entries[1].Amount.Equal(dec("150000")))
}

func TestApprovedDebtShortfallWritesNegativeAdjustment(t *testing.T) {
	w, repo, _ := newTestWorkflow(t)
	ctx := context.Background()
	ref := domain.SubjectRef{Kind: domain.SubjectKindReceivable, ID: "debt-toko-berkah"}

	record, err := w.Submit(ctx, staff, SubmitInput{Subject: ref, ObservedValue: dec("600000")})
	require.NoError(t, err)
	_, err = w.Approve(ctx, supervisor, record.ID, "")
	require.NoError(t, err)

	sum, err := repo.SumInstallments(ctx, ref.ID)
	require.NoError(t, err)
	assert.True(t, sum.Equal(dec("600000")))

	out, err := w.Reconcile(ctx, supervisor, ref)
	require.NoError(t, err)
	assert.False(t, out.Corrected)
	assert.True(t, out.Remaining.Equal(dec("650000")))
}
