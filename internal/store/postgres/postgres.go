package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"gudangops/backend/internal/domain"
	"gudangops/backend/internal/store"
	"gudangops/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type Store struct {
	db   *sql.DB
	q    querier
	inTx bool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, q: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables the store needs. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx uses READ COMMITTED: a conditional UPDATE that loses a race waits
// for the winner, re-checks its WHERE clause and touches zero rows.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Repository) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &Store{db: s.db, q: sqlTx, inTx: true}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) forUpdate() string {
	if s.inTx {
		return " FOR UPDATE"
	}
	return ""
}

const recordColumns = `id, subject_kind, subject_id, authoritative_value, observed_value, status, note, submitted_by, resolved_by, created_at, resolved_at`

func scanRecord(row rowScanner) (*domain.ReconciliationRecord, error) {
	var (
		record     domain.ReconciliationRecord
		resolvedAt sql.NullTime
	)
	if err := row.Scan(
		&record.ID,
		&record.Subject.Kind,
		&record.Subject.ID,
		&record.AuthoritativeValue,
		&record.ObservedValue,
		&record.Status,
		&record.Note,
		&record.SubmittedBy,
		&record.ResolvedBy,
		&record.CreatedAt,
		&resolvedAt,
	); err != nil {
		return nil, err
	}
	record.CreatedAt = record.CreatedAt.UTC()
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		record.ResolvedAt = &at
	}
	return &record, nil
}

func (s *Store) CreateRecord(ctx context.Context, record domain.ReconciliationRecord) (*domain.ReconciliationRecord, error) {
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
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	created, err := scanRecord(s.q.QueryRowContext(ctx, `
		INSERT INTO reconciliation_records (
			id, subject_kind, subject_id, authoritative_value, observed_value,
			status, note, submitted_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING `+recordColumns,
		record.ID, record.Subject.Kind, record.Subject.ID, record.AuthoritativeValue, record.ObservedValue,
		record.Status, strings.TrimSpace(record.Note), record.SubmittedBy, record.CreatedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (*domain.ReconciliationRecord, error) {
	record, err := scanRecord(s.q.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM reconciliation_records
		WHERE id = $1`+s.forUpdate(), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

func (s *Store) ListRecords(ctx context.Context, filter domain.RecordFilter) (domain.RecordPage, error) {
	filter = store.NormalizePage(filter)

	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)
	where := func(cond string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		where("status = $%d", filter.Status)
	}
	if filter.SubjectKind != "" {
		where("subject_kind = $%d", filter.SubjectKind)
	}
	if filter.From != nil {
		where("created_at >= $%d", filter.From.UTC())
	}
	if filter.To != nil {
		where("created_at < $%d", filter.To.UTC())
	}
	clause := ""
	if len(conditions) > 0 {
		clause = "WHERE " + strings.Join(conditions, " AND ")
	}

	page := domain.RecordPage{
		Items:    []domain.ReconciliationRecord{},
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconciliation_records `+clause, args...).Scan(&page.Total); err != nil {
		return domain.RecordPage{}, err
	}
	if page.Total == 0 {
		return page, nil
	}

	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM reconciliation_records
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, recordColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return domain.RecordPage{}, err
	}
	defer rows.Close()

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return domain.RecordPage{}, err
		}
		page.Items = append(page.Items, *record)
	}
	if err := rows.Err(); err != nil {
		return domain.RecordPage{}, err
	}
	return page, nil
}

func (s *Store) UpdateRecordStatus(ctx context.Context, id string, status string, note string, actor string, at time.Time) (*domain.ReconciliationRecord, error) {
	if status != domain.RecordStatusApproved && status != domain.RecordStatusRejected {
		return nil, store.ErrInvalidInput
	}
	note = strings.TrimSpace(note)
	if status == domain.RecordStatusRejected && note == "" {
		return nil, store.ErrInvalidInput
	}

	updated, err := scanRecord(s.q.QueryRowContext(ctx, `
		UPDATE reconciliation_records
		SET status = $2,
			note = CASE WHEN $3 = '' THEN note ELSE $3 END,
			resolved_by = $4,
			resolved_at = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING `+recordColumns,
		id, status, note, actor, at.UTC(),
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	exists, err := s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM reconciliation_records WHERE id = $1)`, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrInvalidTransition
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM reconciliation_records
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	exists, err := s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM reconciliation_records WHERE id = $1)`, id)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrInvalidTransition
}

func (s *Store) GetSubject(ctx context.Context, ref domain.SubjectRef) (*domain.SubjectSnapshot, error) {
	switch {
	case ref.Kind == domain.SubjectKindStock:
		productID, locationID, ok := domain.SplitStockSubjectID(ref.ID)
		if !ok {
			return nil, store.ErrNotFound
		}
		snap := domain.SubjectSnapshot{Ref: ref, Total: decimal.Zero, Remaining: decimal.Zero}
		err := s.q.QueryRowContext(ctx, `
			SELECT qty, updated_at
			FROM stock_levels
			WHERE product_id = $1 AND location_id = $2`+s.forUpdate(),
			productID, locationID,
		).Scan(&snap.Value, &snap.UpdatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		snap.UpdatedAt = snap.UpdatedAt.UTC()
		return &snap, nil
	case ref.IsDebt():
		snap := domain.SubjectSnapshot{Ref: ref}
		err := s.q.QueryRowContext(ctx, `
			SELECT COALESCE((SELECT SUM(i.amount) FROM installments i WHERE i.debt_id = d.id), 0),
				d.total, d.remaining, d.updated_at
			FROM debts d
			WHERE d.id = $1 AND d.kind = $2`+s.forUpdate(),
			ref.ID, ref.Kind,
		).Scan(&snap.Value, &snap.Total, &snap.Remaining, &snap.UpdatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		snap.UpdatedAt = snap.UpdatedAt.UTC()
		return &snap, nil
	}
	return nil, store.ErrInvalidInput
}

func (s *Store) PutSubject(ctx context.Context, ref domain.SubjectRef, update domain.SubjectUpdate) error {
	now := time.Now().UTC()
	var (
		res sql.Result
		err error
	)
	switch {
	case ref.Kind == domain.SubjectKindStock:
		if update.Value == nil {
			return nil
		}
		if update.Value.IsNegative() {
			return store.ErrInsufficientStock
		}
		productID, locationID, ok := domain.SplitStockSubjectID(ref.ID)
		if !ok {
			return store.ErrNotFound
		}
		res, err = s.q.ExecContext(ctx, `
			UPDATE stock_levels
			SET qty = $3, updated_at = $4
			WHERE product_id = $1 AND location_id = $2
		`, productID, locationID, *update.Value, now)
	case ref.IsDebt():
		if update.Value != nil && update.Value.IsNegative() {
			return store.ErrInvalidInput
		}
		res, err = s.q.ExecContext(ctx, `
			UPDATE debts
			SET paid = COALESCE($3, paid),
				remaining = COALESCE($4, GREATEST(total - COALESCE($3, paid), 0)),
				updated_at = $5
			WHERE id = $1 AND kind = $2
		`, ref.ID, ref.Kind, nullDecimal(update.Value), nullDecimal(update.Remaining), now)
	default:
		return store.ErrInvalidInput
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ApplySubjectDelta(ctx context.Context, ref domain.SubjectRef, delta decimal.Decimal) (*domain.SubjectSnapshot, error) {
	now := time.Now().UTC()
	switch {
	case ref.Kind == domain.SubjectKindStock:
		productID, locationID, ok := domain.SplitStockSubjectID(ref.ID)
		if !ok {
			return nil, store.ErrNotFound
		}
		snap := domain.SubjectSnapshot{Ref: ref, Total: decimal.Zero, Remaining: decimal.Zero}
		err := s.q.QueryRowContext(ctx, `
			UPDATE stock_levels
			SET qty = qty + $3, updated_at = $4
			WHERE product_id = $1 AND location_id = $2 AND qty + $3 >= 0
			RETURNING qty, updated_at
		`, productID, locationID, delta, now).Scan(&snap.Value, &snap.UpdatedAt)
		if err == nil {
			snap.UpdatedAt = snap.UpdatedAt.UTC()
			return &snap, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		exists, err := s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM stock_levels WHERE product_id = $1 AND location_id = $2)`, productID, locationID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrInsufficientStock
	case ref.IsDebt():
		if !s.inTx {
			var snap *domain.SubjectSnapshot
			err := s.RunInTx(ctx, func(ctx context.Context, tx store.Repository) error {
				var err error
				snap, err = tx.(*Store).applyDebtDelta(ctx, ref, delta, now)
				return err
			})
			return snap, err
		}
		return s.applyDebtDelta(ctx, ref, delta, now)
	}
	return nil, store.ErrInvalidInput
}

// applyDebtDelta appends delta to the ledger as an adjustment and rewrites
// paid and remaining from the new ledger sum. It must run inside a tx.
func (s *Store) applyDebtDelta(ctx context.Context, ref domain.SubjectRef, delta decimal.Decimal, now time.Time) (*domain.SubjectSnapshot, error) {
	current, err := s.GetSubject(ctx, ref)
	if err != nil {
		return nil, err
	}
	next := current.Value.Add(delta)
	if next.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if !delta.IsZero() {
		if _, err := s.CreateInstallment(ctx, domain.Installment{
			DebtID: ref.ID,
			Kind:   domain.InstallmentKindAdjustment,
			Amount: delta,
			PaidAt: now,
			Note:   "reconciliation adjustment",
		}); err != nil {
			return nil, err
		}
	}

	snap := domain.SubjectSnapshot{Ref: ref}
	err = s.q.QueryRowContext(ctx, `
		UPDATE debts
		SET paid = $3,
			remaining = GREATEST(total - $3, 0),
			updated_at = $4
		WHERE id = $1 AND kind = $2
		RETURNING paid, total, remaining, updated_at
	`, ref.ID, ref.Kind, next, now).Scan(&snap.Value, &snap.Total, &snap.Remaining, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	return &snap, nil
}

func (s *Store) GetStockLevel(ctx context.Context, productID string, locationID string) (*domain.StockLevel, error) {
	level := domain.StockLevel{ProductID: productID, LocationID: locationID}
	err := s.q.QueryRowContext(ctx, `
		SELECT qty, updated_at
		FROM stock_levels
		WHERE product_id = $1 AND location_id = $2
	`, productID, locationID).Scan(&level.Qty, &level.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	level.UpdatedAt = level.UpdatedAt.UTC()
	return &level, nil
}

func (s *Store) SetStockLevel(ctx context.Context, level domain.StockLevel) (*domain.StockLevel, error) {
	level.ProductID = strings.TrimSpace(level.ProductID)
	level.LocationID = strings.TrimSpace(level.LocationID)
	if level.ProductID == "" || level.LocationID == "" || level.Qty.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	level.UpdatedAt = time.Now().UTC()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO stock_levels (product_id, location_id, qty, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (product_id, location_id)
		DO UPDATE SET qty = EXCLUDED.qty, updated_at = EXCLUDED.updated_at
	`, level.ProductID, level.LocationID, level.Qty, level.UpdatedAt)
	if err != nil {
		return nil, err
	}
	saved := level
	return &saved, nil
}

const debtColumns = `id, kind, party_name, total, paid, remaining, due_date, created_at, updated_at`

func scanDebt(row rowScanner) (*domain.Debt, error) {
	var (
		debt    domain.Debt
		dueDate sql.NullTime
	)
	if err := row.Scan(&debt.ID, &debt.Kind, &debt.PartyName, &debt.Total, &debt.Paid, &debt.Remaining, &dueDate, &debt.CreatedAt, &debt.UpdatedAt); err != nil {
		return nil, err
	}
	debt.CreatedAt = debt.CreatedAt.UTC()
	debt.UpdatedAt = debt.UpdatedAt.UTC()
	if dueDate.Valid {
		due := dateUTC(dueDate.Time)
		debt.DueDate = &due
	}
	return &debt, nil
}

func (s *Store) CreateDebt(ctx context.Context, debt domain.Debt) (*domain.Debt, error) {
	debt.PartyName = strings.TrimSpace(debt.PartyName)
	if !(domain.SubjectRef{Kind: debt.Kind}).IsDebt() || debt.PartyName == "" {
		return nil, store.ErrInvalidInput
	}
	if debt.Total.IsNegative() || debt.Paid.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if debt.ID == "" {
		debt.ID = xid.New("debt")
	}
	now := time.Now().UTC()
	if debt.CreatedAt.IsZero() {
		debt.CreatedAt = now
	}

	created, err := scanDebt(s.q.QueryRowContext(ctx, `
		INSERT INTO debts (id, kind, party_name, total, paid, remaining, due_date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,GREATEST($4 - $5, 0),$6,$7,$8)
		RETURNING `+debtColumns,
		debt.ID, debt.Kind, debt.PartyName, debt.Total, debt.Paid, nullDate(debt.DueDate), debt.CreatedAt, now,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetDebt(ctx context.Context, id string) (*domain.Debt, error) {
	debt, err := scanDebt(s.q.QueryRowContext(ctx, `
		SELECT `+debtColumns+`
		FROM debts
		WHERE id = $1`+s.forUpdate(), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return debt, nil
}

func (s *Store) CreateInstallment(ctx context.Context, installment domain.Installment) (*domain.Installment, error) {
	if installment.Kind == "" {
		installment.Kind = domain.InstallmentKindPayment
	}
	if !store.ValidInstallment(installment) {
		return nil, store.ErrInvalidInput
	}
	if installment.ID == "" {
		installment.ID = xid.New("inst")
	}
	if installment.PaidAt.IsZero() {
		installment.PaidAt = time.Now().UTC()
	}
	installment.Note = strings.TrimSpace(installment.Note)

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO installments (id, debt_id, kind, amount, paid_at, note)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, installment.ID, installment.DebtID, installment.Kind, installment.Amount, installment.PaidAt, installment.Note)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	created := installment
	return &created, nil
}

func (s *Store) ListInstallments(ctx context.Context, debtID string) ([]domain.Installment, error) {
	exists, err := s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM debts WHERE id = $1)`, debtID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, debt_id, kind, amount, paid_at, note
		FROM installments
		WHERE debt_id = $1
		ORDER BY paid_at ASC, id ASC
	`, debtID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Installment, 0, 16)
	for rows.Next() {
		var inst domain.Installment
		if err := rows.Scan(&inst.ID, &inst.DebtID, &inst.Kind, &inst.Amount, &inst.PaidAt, &inst.Note); err != nil {
			return nil, err
		}
		inst.PaidAt = inst.PaidAt.UTC()
		items = append(items, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) SumInstallments(ctx context.Context, debtID string) (decimal.Decimal, error) {
	exists, err := s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM debts WHERE id = $1)`, debtID)
	if err != nil {
		return decimal.Zero, err
	}
	if !exists {
		return decimal.Zero, store.ErrNotFound
	}

	var total decimal.Decimal
	if err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM installments
		WHERE debt_id = $1
	`, debtID).Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

const consignmentColumns = `id, partner_name, product_id, location_id, qty_consigned, qty_sold, qty_returned, status, created_at, settled_at`

func scanConsignment(row rowScanner) (*domain.Consignment, error) {
	var (
		c         domain.Consignment
		settledAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.PartnerName, &c.ProductID, &c.LocationID, &c.QtyConsigned, &c.QtySold, &c.QtyReturned, &c.Status, &c.CreatedAt, &settledAt); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if settledAt.Valid {
		at := settledAt.Time.UTC()
		c.SettledAt = &at
	}
	return &c, nil
}

func (s *Store) CreateConsignment(ctx context.Context, c domain.Consignment) (*domain.Consignment, error) {
	c.PartnerName = strings.TrimSpace(c.PartnerName)
	c.ProductID = strings.TrimSpace(c.ProductID)
	c.LocationID = strings.TrimSpace(c.LocationID)
	if c.PartnerName == "" || c.ProductID == "" || c.LocationID == "" || !c.QtyConsigned.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	if c.ID == "" {
		c.ID = xid.New("csg")
	}
	if c.Status == "" {
		c.Status = domain.ConsignmentStatusConsigned
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	created, err := scanConsignment(s.q.QueryRowContext(ctx, `
		INSERT INTO consignments (
			id, partner_name, product_id, location_id, qty_consigned, qty_sold, qty_returned, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING `+consignmentColumns,
		c.ID, c.PartnerName, c.ProductID, c.LocationID, c.QtyConsigned, c.QtySold, c.QtyReturned, c.Status, c.CreatedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetConsignment(ctx context.Context, id string) (*domain.Consignment, error) {
	c, err := scanConsignment(s.q.QueryRowContext(ctx, `
		SELECT `+consignmentColumns+`
		FROM consignments
		WHERE id = $1`+s.forUpdate(), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *Store) UpdateConsignment(ctx context.Context, c domain.Consignment, expectedStatus string) (*domain.Consignment, error) {
	updated, err := scanConsignment(s.q.QueryRowContext(ctx, `
		UPDATE consignments
		SET qty_sold = $3, qty_returned = $4, status = $5, settled_at = $6
		WHERE id = $1 AND status = $2
		RETURNING `+consignmentColumns,
		c.ID, expectedStatus, c.QtySold, c.QtyReturned, c.Status, nullTime(c.SettledAt),
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	exists, err := s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM consignments WHERE id = $1)`, c.ID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrInvalidTransition
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var exists bool
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func dateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return dateUTC(*val)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
