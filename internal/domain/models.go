package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Actor struct {
	Username string
	Role     string
}

type SubjectRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (r SubjectRef) String() string {
	return r.Kind + ":" + r.ID
}

func (r SubjectRef) IsDebt() bool {
	switch r.Kind {
	case SubjectKindPayable, SubjectKindReceivable, SubjectKindGeneralDebt:
		return true
	}
	return false
}

// StockSubjectID joins a product and a location into the id used by stock subjects.
func StockSubjectID(productID string, locationID string) string {
	return strings.TrimSpace(productID) + "@" + strings.TrimSpace(locationID)
}

// SplitStockSubjectID is the inverse of StockSubjectID.
func SplitStockSubjectID(id string) (productID string, locationID string, ok bool) {
	idx := strings.LastIndex(id, "@")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}

// ReconciliationRecord is one submitted observation awaiting (or past) approval.
// Variance is never stored; it is derived from the two operands on every read.
type ReconciliationRecord struct {
	ID                 string          `json:"id"`
	Subject            SubjectRef      `json:"subject"`
	AuthoritativeValue decimal.Decimal `json:"authoritative_value"`
	ObservedValue      decimal.Decimal `json:"observed_value"`
	Status             string          `json:"status"`
	Note               string          `json:"note"`
	SubmittedBy        string          `json:"submitted_by"`
	ResolvedBy         string          `json:"resolved_by,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
}

func (r ReconciliationRecord) Variance() decimal.Decimal {
	return r.ObservedValue.Sub(r.AuthoritativeValue)
}

func (r ReconciliationRecord) IsTerminal() bool {
	return r.Status == RecordStatusApproved || r.Status == RecordStatusRejected
}

func (r ReconciliationRecord) MarshalJSON() ([]byte, error) {
	type plain ReconciliationRecord
	return json.Marshal(struct {
		plain
		Variance decimal.Decimal `json:"variance"`
	}{
		plain:    plain(r),
		Variance: r.Variance(),
	})
}

type RecordFilter struct {
	Status      string
	SubjectKind string
	From        *time.Time
	To          *time.Time
	Page        int
	PageSize    int
}

type RecordPage struct {
	Items    []ReconciliationRecord `json:"items"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
	Total    int                    `json:"total"`
}

// SubjectSnapshot is the system-of-record view of a subject. Value is the
// quantity a reconciliation record is judged against: stock qty for stock
// subjects, the ledger-summed paid amount for debts.
type SubjectSnapshot struct {
	Ref       SubjectRef      `json:"ref"`
	Value     decimal.Decimal `json:"value"`
	Total     decimal.Decimal `json:"total"`
	Remaining decimal.Decimal `json:"remaining"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SubjectUpdate carries the fields a corrective write may set. Nil fields are left untouched.
type SubjectUpdate struct {
	Value     *decimal.Decimal
	Remaining *decimal.Decimal
}

type StockLevel struct {
	ProductID  string          `json:"product_id"`
	LocationID string          `json:"location_id"`
	Qty        decimal.Decimal `json:"qty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type Debt struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	PartyName string          `json:"party_name"`
	Total     decimal.Decimal `json:"total"`
	Paid      decimal.Decimal `json:"paid"`
	Remaining decimal.Decimal `json:"remaining"`
	DueDate   *time.Time      `json:"due_date,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Installment is one ledger entry of a debt. Payments are positive;
// adjustments come from approved reconciliations and carry a signed amount.
type Installment struct {
	ID     string          `json:"id"`
	DebtID string          `json:"debt_id"`
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	PaidAt time.Time       `json:"paid_at"`
	Note   string          `json:"note"`
}

type Consignment struct {
	ID           string          `json:"id"`
	PartnerName  string          `json:"partner_name"`
	ProductID    string          `json:"product_id"`
	LocationID   string          `json:"location_id"`
	QtyConsigned decimal.Decimal `json:"qty_consigned"`
	QtySold      decimal.Decimal `json:"qty_sold"`
	QtyReturned  decimal.Decimal `json:"qty_returned"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	SettledAt    *time.Time      `json:"settled_at,omitempty"`
}

// Outstanding is the consigned quantity neither sold nor returned yet.
func (c Consignment) Outstanding() decimal.Decimal {
	return c.QtyConsigned.Sub(c.QtySold).Sub(c.QtyReturned)
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// TransitionEvent is emitted once per successful terminal transition or applied correction.
type TransitionEvent struct {
	RecordID   string     `json:"record_id,omitempty"`
	Subject    SubjectRef `json:"subject"`
	FromStatus string     `json:"from_status"`
	ToStatus   string     `json:"to_status"`
	Actor      string     `json:"actor"`
	ActorRole  string     `json:"actor_role,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

const (
	SubjectKindStock       = "stock"
	SubjectKindPayable     = "payable"
	SubjectKindReceivable  = "receivable"
	SubjectKindGeneralDebt = "general_debt"
)

const (
	InstallmentKindPayment    = "payment"
	InstallmentKindAdjustment = "adjustment"
)

const (
	RecordStatusPending  = "pending"
	RecordStatusApproved = "approved"
	RecordStatusRejected = "rejected"
)

const (
	ConsignmentStatusConsigned = "titip"
	ConsignmentStatusSold      = "jual"
	ConsignmentStatusReturned  = "retur"
	ConsignmentStatusSettled   = "selesai"
)

// Pseudo statuses used on correction events, which have no record lifecycle.
const (
	CorrectionStatusDrifted   = "drifted"
	CorrectionStatusCorrected = "corrected"
)

func ValidSubjectKind(kind string) bool {
	switch kind {
	case SubjectKindStock, SubjectKindPayable, SubjectKindReceivable, SubjectKindGeneralDebt:
		return true
	}
	return false
}

func ValidRecordStatus(status string) bool {
	switch status {
	case RecordStatusPending, RecordStatusApproved, RecordStatusRejected:
		return true
	}
	return false
}
