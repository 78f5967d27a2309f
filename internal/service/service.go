package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"gudangops/backend/internal/balance"
	"gudangops/backend/internal/domain"
	"gudangops/backend/internal/reconcile"
	"gudangops/backend/internal/store"
	"gudangops/backend/internal/xid"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleStaff      = "staff"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo     store.Repository
	workflow *reconcile.Workflow
	logger   logrus.FieldLogger
}

func New(repo store.Repository, workflow *reconcile.Workflow, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		repo:     repo,
		workflow: workflow,
		logger:   logger.WithField("component", "service"),
	}
}

func (s *Service) SubmitReconciliation(ctx context.Context, req domain.SubmitRequest) (domain.ReconciliationRecord, error) {
	actor, err := requireRole(ctx)
	if err != nil {
		return domain.ReconciliationRecord{}, err
	}

	record, err := s.workflow.Submit(ctx, actor, reconcile.SubmitInput{
		Subject:       req.Subject,
		ObservedValue: req.ObservedValue,
		Note:          req.Note,
	})
	if err != nil {
		return domain.ReconciliationRecord{}, err
	}
	s.logAudit(ctx, "reconciliation_submit", "reconciliation", record.ID, fmt.Sprintf("subject=%s,variance=%s", record.Subject, record.Variance()))
	return *record, nil
}

// SubmitOpname files one pending record per counted item of a stock count.
func (s *Service) SubmitOpname(ctx context.Context, locationID string, items []domain.StockLevelUpdateRequest, notes string) ([]domain.ReconciliationRecord, error) {
	actor, err := requireRole(ctx)
	if err != nil {
		return nil, err
	}

	locationID = strings.TrimSpace(locationID)
	inputs := make([]reconcile.SubmitInput, 0, len(items))
	for _, item := range items {
		location := strings.TrimSpace(item.LocationID)
		if location == "" {
			location = locationID
		}
		if location == "" {
			return nil, &reconcile.ValidationError{Field: "location_id", Reason: "required"}
		}
		note := strings.TrimSpace(item.Reason)
		if note == "" {
			note = notes
		}
		inputs = append(inputs, reconcile.SubmitInput{
			Subject:       domain.SubjectRef{Kind: domain.SubjectKindStock, ID: domain.StockSubjectID(item.ProductID, location)},
			ObservedValue: item.Qty,
			Note:          note,
		})
	}

	records, err := s.workflow.SubmitBatch(ctx, actor, inputs)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "stock_opname", "inventory", xid.New("opname"), fmt.Sprintf("items=%d,location=%s,notes=%s", len(records), locationID, notes))
	return records, nil
}

func (s *Service) ApproveReconciliation(ctx context.Context, id string, note string) (domain.ReconciliationRecord, error) {
	actor, err := requireRole(ctx, RoleSupervisor, RoleAdmin)
	if err != nil {
		return domain.ReconciliationRecord{}, err
	}

	record, err := s.workflow.Approve(ctx, actor, id, note)
	if err != nil {
		return domain.ReconciliationRecord{}, err
	}
	return *record, nil
}

func (s *Service) RejectReconciliation(ctx context.Context, id string, note string) (domain.ReconciliationRecord, error) {
	actor, err := requireRole(ctx, RoleSupervisor, RoleAdmin)
	if err != nil {
		return domain.ReconciliationRecord{}, err
	}

	record, err := s.workflow.Reject(ctx, actor, id, note)
	if err != nil {
		return domain.ReconciliationRecord{}, err
	}
	return *record, nil
}

func (s *Service) DeleteReconciliation(ctx context.Context, id string) error {
	actor, err := requireRole(ctx, RoleSupervisor, RoleAdmin)
	if err != nil {
		return err
	}

	if err := s.workflow.Delete(ctx, actor, id); err != nil {
		return err
	}
	s.logAudit(ctx, "reconciliation_delete", "reconciliation", id, "")
	return nil
}

func (s *Service) GetReconciliation(ctx context.Context, id string) (domain.ReconciliationRecord, error) {
	record, err := s.workflow.Get(ctx, id)
	if err != nil {
		return domain.ReconciliationRecord{}, err
	}
	return *record, nil
}

func (s *Service) ListReconciliations(ctx context.Context, filter domain.RecordFilter) (domain.RecordPage, error) {
	return s.workflow.List(ctx, filter)
}

func (s *Service) ReconcileSubject(ctx context.Context, ref domain.SubjectRef) (reconcile.Correction, error) {
	actor, err := requireRole(ctx, RoleSupervisor, RoleAdmin)
	if err != nil {
		return reconcile.Correction{}, err
	}
	return s.workflow.Reconcile(ctx, actor, ref)
}

func (s *Service) GetStockLevel(ctx context.Context, productID string, locationID string) (domain.StockLevel, error) {
	productID = strings.TrimSpace(productID)
	locationID = strings.TrimSpace(locationID)

	level, err := s.repo.GetStockLevel(ctx, productID, locationID)
	if err != nil {
		return domain.StockLevel{}, reconcile.FromStoreError(err, "stock", domain.StockSubjectID(productID, locationID))
	}
	return *level, nil
}

// SetStockLevel is the admin master-data write. Counted differences go
// through SubmitOpname instead.
func (s *Service) SetStockLevel(ctx context.Context, req domain.StockLevelUpdateRequest) (domain.StockLevel, error) {
	if _, err := requireRole(ctx, RoleAdmin); err != nil {
		return domain.StockLevel{}, err
	}
	if req.Qty.IsNegative() {
		return domain.StockLevel{}, &reconcile.ValidationError{Field: "qty", Reason: "must not be negative"}
	}
	if err := checkValue("qty", req.Qty); err != nil {
		return domain.StockLevel{}, err
	}

	saved, err := s.repo.SetStockLevel(ctx, domain.StockLevel{
		ProductID:  req.ProductID,
		LocationID: req.LocationID,
		Qty:        req.Qty,
	})
	if err != nil {
		return domain.StockLevel{}, reconcile.FromStoreError(err, "stock", domain.StockSubjectID(req.ProductID, req.LocationID))
	}
	s.logAudit(ctx, "stock_set", "stock", domain.StockSubjectID(saved.ProductID, saved.LocationID), fmt.Sprintf("qty=%s,reason=%s", saved.Qty, req.Reason))
	return *saved, nil
}

func (s *Service) CreateDebt(ctx context.Context, req domain.DebtCreateRequest) (domain.DebtView, error) {
	if _, err := requireRole(ctx, RoleSupervisor, RoleAdmin); err != nil {
		return domain.DebtView{}, err
	}

	req.Kind = strings.TrimSpace(req.Kind)
	req.PartyName = strings.TrimSpace(req.PartyName)
	if !(domain.SubjectRef{Kind: req.Kind}).IsDebt() {
		return domain.DebtView{}, &reconcile.ValidationError{Field: "kind", Reason: "must be payable, receivable or general_debt"}
	}
	if req.PartyName == "" {
		return domain.DebtView{}, &reconcile.ValidationError{Field: "party_name", Reason: "required"}
	}
	if !req.Total.IsPositive() {
		return domain.DebtView{}, &reconcile.ValidationError{Field: "total", Reason: "must be positive"}
	}
	if err := checkValue("total", req.Total); err != nil {
		return domain.DebtView{}, err
	}

	created, err := s.repo.CreateDebt(ctx, domain.Debt{
		Kind:      req.Kind,
		PartyName: req.PartyName,
		Total:     req.Total,
		Paid:      decimal.Zero,
		DueDate:   req.DueDate,
	})
	if err != nil {
		return domain.DebtView{}, reconcile.FromStoreError(err, "debt", "")
	}
	s.logAudit(ctx, "debt_create", req.Kind, created.ID, fmt.Sprintf("party=%s,total=%s", created.PartyName, created.Total))
	return toDebtView(*created, []domain.Installment{}), nil
}

func (s *Service) GetDebt(ctx context.Context, id string) (domain.DebtView, error) {
	id = strings.TrimSpace(id)
	debt, err := s.repo.GetDebt(ctx, id)
	if err != nil {
		return domain.DebtView{}, reconcile.FromStoreError(err, "debt", id)
	}
	installments, err := s.repo.ListInstallments(ctx, id)
	if err != nil {
		return domain.DebtView{}, reconcile.FromStoreError(err, "debt", id)
	}
	return toDebtView(*debt, installments), nil
}

// RecordInstallment appends a payment to the ledger and moves paid and
// remaining with it in the same transaction.
func (s *Service) RecordInstallment(ctx context.Context, req domain.InstallmentRequest) (domain.DebtView, error) {
	if _, err := requireRole(ctx); err != nil {
		return domain.DebtView{}, err
	}

	req.DebtID = strings.TrimSpace(req.DebtID)
	if !req.Amount.IsPositive() {
		return domain.DebtView{}, &reconcile.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if err := checkValue("amount", req.Amount); err != nil {
		return domain.DebtView{}, err
	}

	var (
		updated   domain.Debt
		installed *domain.Installment
	)
	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Repository) error {
		debt, err := tx.GetDebt(ctx, req.DebtID)
		if err != nil {
			return reconcile.FromStoreError(err, "debt", req.DebtID)
		}
		ledger, err := tx.SumInstallments(ctx, debt.ID)
		if err != nil {
			return reconcile.FromStoreError(err, "debt", req.DebtID)
		}
		outstanding := balance.ComputeRemaining(debt.Total, ledger).Amount
		if req.Amount.GreaterThan(outstanding) {
			return &reconcile.ValidationError{Field: "amount", Reason: fmt.Sprintf("exceeds remaining %s", outstanding)}
		}

		installed, err = tx.CreateInstallment(ctx, domain.Installment{
			DebtID: debt.ID,
			Kind:   domain.InstallmentKindPayment,
			Amount: req.Amount,
			PaidAt: req.PaidAt,
			Note:   req.Note,
		})
		if err != nil {
			return reconcile.FromStoreError(err, "debt", req.DebtID)
		}

		paid := ledger.Add(req.Amount)
		remaining := balance.ComputeRemaining(debt.Total, paid).Amount
		ref := domain.SubjectRef{Kind: debt.Kind, ID: debt.ID}
		if err := tx.PutSubject(ctx, ref, domain.SubjectUpdate{Value: &paid, Remaining: &remaining}); err != nil {
			return reconcile.FromStoreError(err, "debt", req.DebtID)
		}

		updated = *debt
		updated.Paid = paid
		updated.Remaining = remaining
		return nil
	})
	if err != nil {
		return domain.DebtView{}, err
	}

	s.logAudit(ctx, "installment_record", updated.Kind, updated.ID, fmt.Sprintf("installment=%s,amount=%s,remaining=%s", installed.ID, installed.Amount, updated.Remaining))
	return s.GetDebt(ctx, updated.ID)
}

// CreateConsignment takes the consigned quantity out of stock.
func (s *Service) CreateConsignment(ctx context.Context, req domain.ConsignmentCreateRequest) (domain.Consignment, error) {
	if _, err := requireRole(ctx, RoleSupervisor, RoleAdmin); err != nil {
		return domain.Consignment{}, err
	}

	req.PartnerName = strings.TrimSpace(req.PartnerName)
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.LocationID = strings.TrimSpace(req.LocationID)
	if req.PartnerName == "" || req.ProductID == "" || req.LocationID == "" {
		return domain.Consignment{}, &reconcile.ValidationError{Field: "consignment", Reason: "partner, product and location are required"}
	}
	if !req.Qty.IsPositive() {
		return domain.Consignment{}, &reconcile.ValidationError{Field: "qty", Reason: "must be positive"}
	}
	if err := checkValue("qty", req.Qty); err != nil {
		return domain.Consignment{}, err
	}

	stock := domain.SubjectRef{Kind: domain.SubjectKindStock, ID: domain.StockSubjectID(req.ProductID, req.LocationID)}
	var created *domain.Consignment
	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Repository) error {
		if _, err := tx.ApplySubjectDelta(ctx, stock, req.Qty.Neg()); err != nil {
			return reconcile.FromStoreError(err, "stock", stock.ID)
		}
		var err error
		created, err = tx.CreateConsignment(ctx, domain.Consignment{
			PartnerName:  req.PartnerName,
			ProductID:    req.ProductID,
			LocationID:   req.LocationID,
			QtyConsigned: req.Qty,
			QtySold:      decimal.Zero,
			QtyReturned:  decimal.Zero,
			Status:       domain.ConsignmentStatusConsigned,
		})
		if err != nil {
			return reconcile.FromStoreError(err, "consignment", "")
		}
		return nil
	})
	if err != nil {
		return domain.Consignment{}, err
	}

	s.logAudit(ctx, "consignment_create", "consignment", created.ID, fmt.Sprintf("partner=%s,stock=%s,qty=%s", created.PartnerName, stock.ID, created.QtyConsigned))
	return *created, nil
}

func (s *Service) GetConsignment(ctx context.Context, id string) (domain.Consignment, error) {
	id = strings.TrimSpace(id)
	c, err := s.repo.GetConsignment(ctx, id)
	if err != nil {
		return domain.Consignment{}, reconcile.FromStoreError(err, "consignment", id)
	}
	return *c, nil
}

func (s *Service) RecordConsignmentSale(ctx context.Context, id string, qty decimal.Decimal) (domain.Consignment, error) {
	return s.moveConsignment(ctx, id, qty, domain.ConsignmentStatusSold)
}

// RecordConsignmentReturn puts returned goods back into stock.
func (s *Service) RecordConsignmentReturn(ctx context.Context, id string, qty decimal.Decimal) (domain.Consignment, error) {
	return s.moveConsignment(ctx, id, qty, domain.ConsignmentStatusReturned)
}

func (s *Service) moveConsignment(ctx context.Context, id string, qty decimal.Decimal, to string) (domain.Consignment, error) {
	if _, err := requireRole(ctx, RoleSupervisor, RoleAdmin); err != nil {
		return domain.Consignment{}, err
	}
	id = strings.TrimSpace(id)
	if !qty.IsPositive() {
		return domain.Consignment{}, &reconcile.ValidationError{Field: "qty", Reason: "must be positive"}
	}
	if err := checkValue("qty", qty); err != nil {
		return domain.Consignment{}, err
	}

	var updated *domain.Consignment
	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Repository) error {
		current, err := tx.GetConsignment(ctx, id)
		if err != nil {
			return reconcile.FromStoreError(err, "consignment", id)
		}
		if current.Status == domain.ConsignmentStatusSettled {
			return &reconcile.InvalidTransitionError{RecordID: id, From: current.Status, To: to}
		}
		if qty.GreaterThan(current.Outstanding()) {
			return &reconcile.ValidationError{Field: "qty", Reason: fmt.Sprintf("exceeds outstanding %s", current.Outstanding())}
		}

		next := *current
		next.Status = to
		if to == domain.ConsignmentStatusSold {
			next.QtySold = current.QtySold.Add(qty)
		} else {
			next.QtyReturned = current.QtyReturned.Add(qty)
			stock := domain.SubjectRef{Kind: domain.SubjectKindStock, ID: domain.StockSubjectID(current.ProductID, current.LocationID)}
			if _, err := tx.ApplySubjectDelta(ctx, stock, qty); err != nil {
				return reconcile.FromStoreError(err, "stock", stock.ID)
			}
		}

		updated, err = tx.UpdateConsignment(ctx, next, current.Status)
		if err != nil {
			return reconcile.FromStoreError(err, "consignment", id)
		}
		return nil
	})
	if err != nil {
		return domain.Consignment{}, err
	}

	s.logAudit(ctx, "consignment_"+to, "consignment", id, fmt.Sprintf("qty=%s,outstanding=%s", qty, updated.Outstanding()))
	return *updated, nil
}

// SettleConsignment closes a consignment once nothing is outstanding.
func (s *Service) SettleConsignment(ctx context.Context, id string) (domain.Consignment, error) {
	if _, err := requireRole(ctx, RoleSupervisor, RoleAdmin); err != nil {
		return domain.Consignment{}, err
	}
	id = strings.TrimSpace(id)

	current, err := s.repo.GetConsignment(ctx, id)
	if err != nil {
		return domain.Consignment{}, reconcile.FromStoreError(err, "consignment", id)
	}
	if current.Status == domain.ConsignmentStatusSettled {
		return domain.Consignment{}, &reconcile.InvalidTransitionError{RecordID: id, From: current.Status, To: domain.ConsignmentStatusSettled}
	}
	if !current.Outstanding().IsZero() {
		return domain.Consignment{}, &reconcile.ValidationError{Field: "qty", Reason: fmt.Sprintf("%s still outstanding", current.Outstanding())}
	}

	next := *current
	settledAt := time.Now().UTC()
	next.Status = domain.ConsignmentStatusSettled
	next.SettledAt = &settledAt
	updated, err := s.repo.UpdateConsignment(ctx, next, current.Status)
	if err != nil {
		err = reconcile.FromStoreError(err, "consignment", id)
		var transitionErr *reconcile.InvalidTransitionError
		if errors.As(err, &transitionErr) {
			transitionErr.From, transitionErr.To = current.Status, domain.ConsignmentStatusSettled
		}
		return domain.Consignment{}, err
	}

	s.logAudit(ctx, "consignment_settle", "consignment", id, fmt.Sprintf("sold=%s,returned=%s", updated.QtySold, updated.QtyReturned))
	return *updated, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := requireRole(ctx, RoleSupervisor, RoleAdmin); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	// Without a date, the window is the trailing 24 hours.
	to := time.Now().UTC().Add(time.Second)
	from := to.Add(-24 * time.Hour)
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, &reconcile.ValidationError{Field: "date", Reason: "expected YYYY-MM-DD"}
		}
		from = parsed.UTC()
		to = from.Add(24 * time.Hour)
	}

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write audit log")
	}
}

// requireRole returns the actor in ctx. With no roles given any
// authenticated actor passes.
func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, ErrForbidden
	}
	if len(roles) == 0 {
		return actor, nil
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, ErrForbidden
}

func checkValue(field string, v decimal.Decimal) error {
	if balance.Representable(v) {
		return nil
	}
	return &reconcile.ValidationError{Field: field, Reason: fmt.Sprintf("at most %d decimal places and %d integer digits", balance.MaxScale, balance.MaxIntegerDigits)}
}

func toDebtView(debt domain.Debt, installments []domain.Installment) domain.DebtView {
	remaining := balance.ComputeRemaining(debt.Total, debt.Paid)
	return domain.DebtView{
		Debt:         debt,
		Overpaid:     remaining.Overpaid,
		Excess:       remaining.Excess,
		Installments: installments,
	}
}
