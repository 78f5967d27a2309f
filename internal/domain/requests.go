package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SubmitRequest struct {
	Subject       SubjectRef
	ObservedValue decimal.Decimal
	Note          string
}

type StockLevelUpdateRequest struct {
	ProductID  string
	LocationID string
	Qty        decimal.Decimal
	Reason     string
}

type DebtCreateRequest struct {
	Kind      string
	PartyName string
	Total     decimal.Decimal
	DueDate   *time.Time
}

type InstallmentRequest struct {
	DebtID string
	Amount decimal.Decimal
	PaidAt time.Time
	Note   string
}

// DebtView is a debt with its ledger and the overpayment flags derived from it.
type DebtView struct {
	Debt
	Overpaid     bool            `json:"overpaid"`
	Excess       decimal.Decimal `json:"excess"`
	Installments []Installment   `json:"installments"`
}

type ConsignmentCreateRequest struct {
	PartnerName string
	ProductID   string
	LocationID  string
	Qty         decimal.Decimal
}
