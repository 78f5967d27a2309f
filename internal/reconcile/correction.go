package reconcile

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"gudangops/backend/internal/balance"
	"gudangops/backend/internal/domain"
	"gudangops/backend/internal/store"
)

// Correction is the outcome of re-deriving a debt's denormalized balance
// from its installment ledger.
type Correction struct {
	Subject   domain.SubjectRef `json:"subject"`
	Corrected bool              `json:"corrected"`
	Before    decimal.Decimal   `json:"before"`
	After     decimal.Decimal   `json:"after"`
	Remaining decimal.Decimal   `json:"remaining"`
	Overpaid  bool              `json:"overpaid"`
	Excess    decimal.Decimal   `json:"excess"`
}

// Corrector treats the installment ledger as the source of truth for a debt's
// paid and remaining fields.
type Corrector struct {
	repo store.Repository
}

func NewCorrector(repo store.Repository) *Corrector {
	return &Corrector{repo: repo}
}

// Reconcile rewrites paid and remaining when they disagree with the ledger.
// Running it again without new installments changes nothing.
func (c *Corrector) Reconcile(ctx context.Context, ref domain.SubjectRef) (Correction, error) {
	ref.ID = strings.TrimSpace(ref.ID)
	if !ref.IsDebt() {
		return Correction{}, &ValidationError{Field: "subject.kind", Reason: "only debt subjects have an installment ledger"}
	}
	if ref.ID == "" {
		return Correction{}, &ValidationError{Field: "subject.id", Reason: "required"}
	}

	var out Correction
	err := c.repo.RunInTx(ctx, func(ctx context.Context, tx store.Repository) error {
		debt, err := tx.GetDebt(ctx, ref.ID)
		if err != nil {
			return FromStoreError(err, ref.Kind, ref.ID)
		}
		if debt.Kind != ref.Kind {
			return &NotFoundError{Entity: ref.Kind, ID: ref.ID}
		}
		paid, err := tx.SumInstallments(ctx, ref.ID)
		if err != nil {
			return FromStoreError(err, ref.Kind, ref.ID)
		}
		remaining := balance.ComputeRemaining(debt.Total, paid)

		out = Correction{
			Subject:   ref,
			Before:    debt.Paid,
			After:     paid,
			Remaining: remaining.Amount,
			Overpaid:  remaining.Overpaid,
			Excess:    remaining.Excess,
		}
		if debt.Paid.Equal(paid) && debt.Remaining.Equal(remaining.Amount) {
			return nil
		}

		if err := tx.PutSubject(ctx, ref, domain.SubjectUpdate{Value: &paid, Remaining: &remaining.Amount}); err != nil {
			return FromStoreError(err, ref.Kind, ref.ID)
		}
		out.Corrected = true
		return nil
	})
	if err != nil {
		return Correction{}, err
	}
	return out, nil
}
