package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gudangops/backend/internal/balance"
	"gudangops/backend/internal/domain"
	"gudangops/backend/internal/store"
	"gudangops/backend/internal/xid"
)

type state struct {
	records      map[string]domain.ReconciliationRecord
	stock        map[string]domain.StockLevel
	debts        map[string]domain.Debt
	installments map[string][]domain.Installment
	consignments map[string]domain.Consignment
	auditLogs    []domain.AuditLog
}

func newState() *state {
	return &state{
		records:      make(map[string]domain.ReconciliationRecord),
		stock:        make(map[string]domain.StockLevel),
		debts:        make(map[string]domain.Debt),
		installments: make(map[string][]domain.Installment),
		consignments: make(map[string]domain.Consignment),
		auditLogs:    make([]domain.AuditLog, 0, 128),
	}
}

func (st *state) clone() *state {
	cp := &state{
		records:      make(map[string]domain.ReconciliationRecord, len(st.records)),
		stock:        make(map[string]domain.StockLevel, len(st.stock)),
		debts:        make(map[string]domain.Debt, len(st.debts)),
		installments: make(map[string][]domain.Installment, len(st.installments)),
		consignments: make(map[string]domain.Consignment, len(st.consignments)),
		auditLogs:    slices.Clone(st.auditLogs),
	}
	for k, v := range st.records {
		cp.records[k] = v
	}
	for k, v := range st.stock {
		cp.stock[k] = v
	}
	for k, v := range st.debts {
		cp.debts[k] = v
	}
	for k, v := range st.installments {
		cp.installments[k] = slices.Clone(v)
	}
	for k, v := range st.consignments {
		cp.consignments[k] = v
	}
	return cp
}

// Store keeps everything in process memory. A transaction takes the write
// lock for its whole duration and works on a copy that replaces the live
// state only on success.
type Store struct {
	mu   *sync.RWMutex
	data *state
	inTx bool
}

func New() *Store {
	return &Store{mu: &sync.RWMutex{}, data: newState()}
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	for _, level := range []domain.StockLevel{
		{ProductID: "BERAS-PREMIUM", LocationID: "gudang-utama", Qty: decimal.NewFromInt(100)},
		{ProductID: "GULA-PASIR", LocationID: "gudang-utama", Qty: decimal.NewFromInt(250)},
		{ProductID: "TEPUNG-TERIGU", LocationID: "gudang-utama", Qty: decimal.NewFromInt(80)},
		{ProductID: "BERAS-PREMIUM", LocationID: "cabang-bekasi", Qty: decimal.NewFromInt(40)},
		{ProductID: "MINYAK-GORENG", LocationID: "cabang-bekasi", Qty: decimal.RequireFromString("62.5")},
	} {
		level.UpdatedAt = now
		s.data.stock[domain.StockSubjectID(level.ProductID, level.LocationID)] = level
	}

	seedDebt := func(id string, kind string, party string, total int64, payments ...int64) {
		debt := domain.Debt{
			ID:        id,
			Kind:      kind,
			PartyName: party,
			Total:     decimal.NewFromInt(total),
			Paid:      decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}
		for i, amount := range payments {
			inst := domain.Installment{
				ID:     xid.New("inst"),
				DebtID: id,
				Kind:   domain.InstallmentKindPayment,
				Amount: decimal.NewFromInt(amount),
				PaidAt: now.Add(time.Duration(i) * time.Minute),
				Note:   "cicilan awal",
			}
			s.data.installments[id] = append(s.data.installments[id], inst)
			debt.Paid = debt.Paid.Add(inst.Amount)
		}
		debt.Remaining = balance.ComputeRemaining(debt.Total, debt.Paid).Amount
		s.data.debts[id] = debt
	}
	seedDebt("debt-supplier-sumber-makmur", domain.SubjectKindPayable, "CV Sumber Makmur", 2_000_000, 500_000)
	seedDebt("debt-toko-berkah", domain.SubjectKindReceivable, "Toko Berkah", 1_250_000, 250_000, 400_000)
	seedDebt("debt-sewa-gudang", domain.SubjectKindGeneralDebt, "Sewa Gudang Cikarang", 6_000_000)

	return s
}

func (s *Store) readLock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *Store) writeLock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Repository) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	tx := &Store{mu: s.mu, data: work, inTx: true}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *Store) CreateRecord(_ context.Context, record domain.ReconciliationRecord) (*domain.ReconciliationRecord, error) {
	unlock := s.writeLock()
	defer unlock()

	if !domain.ValidSubjectKind(record.Subject.Kind) || strings.TrimSpace(record.Subject.ID) == "" {
		return nil, store.ErrInvalidInput
	}
	if record.ObservedValue.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if record.Status == "" {
		record.Status = domain.RecordStatusPending
	}
	if record.Status != domain.RecordStatusPending {
		return nil, store.ErrInvalidInput
	}
	if record.ID == "" {
		record.ID = xid.New("rec")
	}
	if _, exists := s.data.records[record.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.ResolvedAt = nil
	record.ResolvedBy = ""

	s.data.records[record.ID] = record
	created := record
	return &created, nil
}

func (s *Store) GetRecord(_ context.Context, id string) (*domain.ReconciliationRecord, error) {
	unlock := s.readLock()
	defer unlock()

	record, ok := s.data.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &record, nil
}

func (s *Store) ListRecords(_ context.Context, filter domain.RecordFilter) (domain.RecordPage, error) {
	unlock := s.readLock()
	defer unlock()

	filter = store.NormalizePage(filter)
	matched := make([]domain.ReconciliationRecord, 0, len(s.data.records))
	for _, record := range s.data.records {
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if filter.SubjectKind != "" && record.Subject.Kind != filter.SubjectKind {
			continue
		}
		if filter.From != nil && record.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !record.CreatedAt.Before(*filter.To) {
			continue
		}
		matched = append(matched, record)
	}

	slices.SortFunc(matched, func(a, b domain.ReconciliationRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	page := domain.RecordPage{
		Items:    []domain.ReconciliationRecord{},
		Page:     filter.Page,
		PageSize: filter.PageSize,
		Total:    len(matched),
	}
	start := (filter.Page - 1) * filter.PageSize
	if start >= len(matched) {
		return page, nil
	}
	end := min(start+filter.PageSize, len(matched))
	page.Items = append(page.Items, matched[start:end]...)
	return page, nil
}

func (s *Store) UpdateRecordStatus(_ context.Context, id string, status string, note string, actor string, at time.Time) (*domain.ReconciliationRecord, error) {
	if status != domain.RecordStatusApproved && status != domain.RecordStatusRejected {
		return nil, store.ErrInvalidInput
	}
	note = strings.TrimSpace(note)
	if status == domain.RecordStatusRejected && note == "" {
		return nil, store.ErrInvalidInput
	}

	unlock := s.writeLock()
	defer unlock()

	record, ok := s.data.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if record.Status != domain.RecordStatusPending {
		return nil, store.ErrInvalidTransition
	}

	record.Status = status
	if note != "" {
		record.Note = note
	}
	record.ResolvedBy = actor
	resolvedAt := at.UTC()
	record.ResolvedAt = &resolvedAt
	s.data.records[id] = record

	updated := record
	return &updated, nil
}

func (s *Store) DeleteRecord(_ context.Context, id string) error {
	unlock := s.writeLock()
	defer unlock()

	record, ok := s.data.records[id]
	if !ok {
		return store.ErrNotFound
	}
	if record.Status != domain.RecordStatusPending {
		return store.ErrInvalidTransition
	}
	delete(s.data.records, id)
	return nil
}

func (s *Store) GetSubject(_ context.Context, ref domain.SubjectRef) (*domain.SubjectSnapshot, error) {
	unlock := s.readLock()
	defer unlock()

	return s.snapshot(ref)
}

func (s *Store) snapshot(ref domain.SubjectRef) (*domain.SubjectSnapshot, error) {
	switch {
	case ref.Kind == domain.SubjectKindStock:
		level, ok := s.data.stock[ref.ID]
		if !ok {
			return nil, store.ErrNotFound
		}
		return &domain.SubjectSnapshot{
			Ref:       ref,
			Value:     level.Qty,
			Total:     decimal.Zero,
			Remaining: decimal.Zero,
			UpdatedAt: level.UpdatedAt,
		}, nil
	case ref.IsDebt():
		debt, ok := s.data.debts[ref.ID]
		if !ok || debt.Kind != ref.Kind {
			return nil, store.ErrNotFound
		}
		return &domain.SubjectSnapshot{
			Ref:       ref,
			Value:     s.ledgerSum(ref.ID),
			Total:     debt.Total,
			Remaining: debt.Remaining,
			UpdatedAt: debt.UpdatedAt,
		}, nil
	}
	return nil, store.ErrInvalidInput
}

func (s *Store) PutSubject(_ context.Context, ref domain.SubjectRef, update domain.SubjectUpdate) error {
	unlock := s.writeLock()
	defer unlock()

	now := time.Now().UTC()
	switch {
	case ref.Kind == domain.SubjectKindStock:
		level, ok := s.data.stock[ref.ID]
		if !ok {
			return store.ErrNotFound
		}
		if update.Value == nil {
			return nil
		}
		if update.Value.IsNegative() {
			return store.ErrInsufficientStock
		}
		level.Qty = *update.Value
		level.UpdatedAt = now
		s.data.stock[ref.ID] = level
		return nil
	case ref.IsDebt():
		debt, ok := s.data.debts[ref.ID]
		if !ok || debt.Kind != ref.Kind {
			return store.ErrNotFound
		}
		if update.Value != nil {
			if update.Value.IsNegative() {
				return store.ErrInvalidInput
			}
			debt.Paid = *update.Value
		}
		if update.Remaining != nil {
			debt.Remaining = *update.Remaining
		} else if update.Value != nil {
			debt.Remaining = balance.ComputeRemaining(debt.Total, debt.Paid).Amount
		}
		debt.UpdatedAt = now
		s.data.debts[ref.ID] = debt
		return nil
	}
	return store.ErrInvalidInput
}

func (s *Store) ApplySubjectDelta(_ context.Context, ref domain.SubjectRef, delta decimal.Decimal) (*domain.SubjectSnapshot, error) {
	unlock := s.writeLock()
	defer unlock()

	now := time.Now().UTC()
	switch {
	case ref.Kind == domain.SubjectKindStock:
		level, ok := s.data.stock[ref.ID]
		if !ok {
			return nil, store.ErrNotFound
		}
		next := level.Qty.Add(delta)
		if next.IsNegative() {
			return nil, store.ErrInsufficientStock
		}
		level.Qty = next
		level.UpdatedAt = now
		s.data.stock[ref.ID] = level
	case ref.IsDebt():
		debt, ok := s.data.debts[ref.ID]
		if !ok || debt.Kind != ref.Kind {
			return nil, store.ErrNotFound
		}
		next := s.ledgerSum(ref.ID).Add(delta)
		if next.IsNegative() {
			return nil, store.ErrInvalidInput
		}
		if !delta.IsZero() {
			s.data.installments[ref.ID] = append(s.data.installments[ref.ID], domain.Installment{
				ID:     xid.New("inst"),
				DebtID: ref.ID,
				Kind:   domain.InstallmentKindAdjustment,
				Amount: delta,
				PaidAt: now,
				Note:   "reconciliation adjustment",
			})
		}
		debt.Paid = next
		debt.Remaining = balance.ComputeRemaining(debt.Total, next).Amount
		debt.UpdatedAt = now
		s.data.debts[ref.ID] = debt
	default:
		return nil, store.ErrInvalidInput
	}
	return s.snapshot(ref)
}

func (s *Store) GetStockLevel(_ context.Context, productID string, locationID string) (*domain.StockLevel, error) {
	unlock := s.readLock()
	defer unlock()

	level, ok := s.data.stock[domain.StockSubjectID(productID, locationID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &level, nil
}

func (s *Store) SetStockLevel(_ context.Context, level domain.StockLevel) (*domain.StockLevel, error) {
	level.ProductID = strings.TrimSpace(level.ProductID)
	level.LocationID = strings.TrimSpace(level.LocationID)
	if level.ProductID == "" || level.LocationID == "" || level.Qty.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	unlock := s.writeLock()
	defer unlock()

	level.UpdatedAt = time.Now().UTC()
	s.data.stock[domain.StockSubjectID(level.ProductID, level.LocationID)] = level
	saved := level
	return &saved, nil
}

func (s *Store) CreateDebt(_ context.Context, debt domain.Debt) (*domain.Debt, error) {
	debt.PartyName = strings.TrimSpace(debt.PartyName)
	if !(domain.SubjectRef{Kind: debt.Kind}).IsDebt() || debt.PartyName == "" {
		return nil, store.ErrInvalidInput
	}
	if debt.Total.IsNegative() || debt.Paid.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	unlock := s.writeLock()
	defer unlock()

	if debt.ID == "" {
		debt.ID = xid.New("debt")
	}
	if _, exists := s.data.debts[debt.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	now := time.Now().UTC()
	if debt.CreatedAt.IsZero() {
		debt.CreatedAt = now
	}
	debt.UpdatedAt = now
	debt.Remaining = balance.ComputeRemaining(debt.Total, debt.Paid).Amount

	s.data.debts[debt.ID] = debt
	created := debt
	return &created, nil
}

func (s *Store) GetDebt(_ context.Context, id string) (*domain.Debt, error) {
	unlock := s.readLock()
	defer unlock()

	debt, ok := s.data.debts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &debt, nil
}

func (s *Store) CreateInstallment(_ context.Context, installment domain.Installment) (*domain.Installment, error) {
	if installment.Kind == "" {
		installment.Kind = domain.InstallmentKindPayment
	}
	if !store.ValidInstallment(installment) {
		return nil, store.ErrInvalidInput
	}

	unlock := s.writeLock()
	defer unlock()

	if _, ok := s.data.debts[installment.DebtID]; !ok {
		return nil, store.ErrNotFound
	}
	if installment.ID == "" {
		installment.ID = xid.New("inst")
	}
	if installment.PaidAt.IsZero() {
		installment.PaidAt = time.Now().UTC()
	}
	installment.Note = strings.TrimSpace(installment.Note)

	s.data.installments[installment.DebtID] = append(s.data.installments[installment.DebtID], installment)
	created := installment
	return &created, nil
}

func (s *Store) ListInstallments(_ context.Context, debtID string) ([]domain.Installment, error) {
	unlock := s.readLock()
	defer unlock()

	if _, ok := s.data.debts[debtID]; !ok {
		return nil, store.ErrNotFound
	}
	items := slices.Clone(s.data.installments[debtID])
	slices.SortStableFunc(items, func(a, b domain.Installment) int {
		return a.PaidAt.Compare(b.PaidAt)
	})
	if items == nil {
		items = []domain.Installment{}
	}
	return items, nil
}

func (s *Store) SumInstallments(_ context.Context, debtID string) (decimal.Decimal, error) {
	unlock := s.readLock()
	defer unlock()

	if _, ok := s.data.debts[debtID]; !ok {
		return decimal.Zero, store.ErrNotFound
	}
	return s.ledgerSum(debtID), nil
}

func (s *Store) ledgerSum(debtID string) decimal.Decimal {
	total := decimal.Zero
	for _, inst := range s.data.installments[debtID] {
		total = total.Add(inst.Amount)
	}
	return total
}

func (s *Store) CreateConsignment(_ context.Context, c domain.Consignment) (*domain.Consignment, error) {
	c.PartnerName = strings.TrimSpace(c.PartnerName)
	c.ProductID = strings.TrimSpace(c.ProductID)
	c.LocationID = strings.TrimSpace(c.LocationID)
	if c.PartnerName == "" || c.ProductID == "" || c.LocationID == "" || !c.QtyConsigned.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	unlock := s.writeLock()
	defer unlock()

	if c.ID == "" {
		c.ID = xid.New("csg")
	}
	if _, exists := s.data.consignments[c.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	if c.Status == "" {
		c.Status = domain.ConsignmentStatusConsigned
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.data.consignments[c.ID] = c
	created := c
	return &created, nil
}

func (s *Store) GetConsignment(_ context.Context, id string) (*domain.Consignment, error) {
	unlock := s.readLock()
	defer unlock()

	c, ok := s.data.consignments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) UpdateConsignment(_ context.Context, c domain.Consignment, expectedStatus string) (*domain.Consignment, error) {
	unlock := s.writeLock()
	defer unlock()

	current, ok := s.data.consignments[c.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.Status != expectedStatus {
		return nil, store.ErrInvalidTransition
	}
	c.CreatedAt = current.CreatedAt
	s.data.consignments[c.ID] = c
	updated := c
	return &updated, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	unlock := s.writeLock()
	defer unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.data.auditLogs = append(s.data.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	unlock := s.readLock()
	defer unlock()

	if limit < 1 {
		limit = 100
	}
	logs := make([]domain.AuditLog, 0, min(limit, len(s.data.auditLogs)))
	for i := len(s.data.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := s.data.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}
