package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"gudangops/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInsufficientStock = errors.New("insufficient stock")
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// RecordStore persists reconciliation records. UpdateRecordStatus and
// DeleteRecord are conditional on the record still being pending and return
// ErrInvalidTransition otherwise.
type RecordStore interface {
	CreateRecord(ctx context.Context, record domain.ReconciliationRecord) (*domain.ReconciliationRecord, error)
	GetRecord(ctx context.Context, id string) (*domain.ReconciliationRecord, error)
	ListRecords(ctx context.Context, filter domain.RecordFilter) (domain.RecordPage, error)
	UpdateRecordStatus(ctx context.Context, id string, status string, note string, actor string, at time.Time) (*domain.ReconciliationRecord, error)
	DeleteRecord(ctx context.Context, id string) error
}

// SubjectStore is the data-access view over whatever a record reconciles.
// For debts, GetSubject reports the ledger sum as Value and ApplySubjectDelta
// appends a signed adjustment to the ledger before rewriting paid and
// remaining from it.
type SubjectStore interface {
	GetSubject(ctx context.Context, ref domain.SubjectRef) (*domain.SubjectSnapshot, error)
	PutSubject(ctx context.Context, ref domain.SubjectRef, update domain.SubjectUpdate) error
	ApplySubjectDelta(ctx context.Context, ref domain.SubjectRef, delta decimal.Decimal) (*domain.SubjectSnapshot, error)
}

type InventoryStore interface {
	GetStockLevel(ctx context.Context, productID string, locationID string) (*domain.StockLevel, error)
	SetStockLevel(ctx context.Context, level domain.StockLevel) (*domain.StockLevel, error)
}

type LedgerStore interface {
	CreateDebt(ctx context.Context, debt domain.Debt) (*domain.Debt, error)
	GetDebt(ctx context.Context, id string) (*domain.Debt, error)
	CreateInstallment(ctx context.Context, installment domain.Installment) (*domain.Installment, error)
	ListInstallments(ctx context.Context, debtID string) ([]domain.Installment, error)
	SumInstallments(ctx context.Context, debtID string) (decimal.Decimal, error)
}

type ConsignmentStore interface {
	CreateConsignment(ctx context.Context, consignment domain.Consignment) (*domain.Consignment, error)
	GetConsignment(ctx context.Context, id string) (*domain.Consignment, error)
	// UpdateConsignment writes c only if the stored status still equals expectedStatus.
	UpdateConsignment(ctx context.Context, c domain.Consignment, expectedStatus string) (*domain.Consignment, error)
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type Repository interface {
	RecordStore
	SubjectStore
	InventoryStore
	LedgerStore
	ConsignmentStore
	AuditStore

	// RunInTx runs fn against a transactional view of the repository. Every
	// write made through tx commits together when fn returns nil and is
	// discarded otherwise. Reads of debts, records and consignments made
	// through tx lock the row until the transaction ends.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
}

// ValidInstallment reports whether an entry may enter a debt ledger: payments
// are positive, adjustments are any non-zero amount.
func ValidInstallment(inst domain.Installment) bool {
	switch inst.Kind {
	case domain.InstallmentKindPayment:
		return inst.Amount.IsPositive()
	case domain.InstallmentKindAdjustment:
		return !inst.Amount.IsZero()
	}
	return false
}

// NormalizePage applies the default and maximum page size.
func NormalizePage(filter domain.RecordFilter) domain.RecordFilter {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = DefaultPageSize
	}
	if filter.PageSize > MaxPageSize {
		filter.PageSize = MaxPageSize
	}
	return filter
}
