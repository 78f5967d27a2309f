package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"gudangops/backend/internal/domain"
)

type subjectRequest struct {
	Kind string `json:"kind" validate:"required,oneof=stock payable receivable general_debt"`
	ID   string `json:"id" validate:"required,max=160"`
}

type submitRequest struct {
	Subject       subjectRequest   `json:"subject" validate:"required"`
	ObservedValue *decimal.Decimal `json:"observed_value" validate:"required"`
	Note          string           `json:"note" validate:"max=500"`
}

type opnameItemRequest struct {
	ProductID  string           `json:"product_id" validate:"required,max=80"`
	LocationID string           `json:"location_id" validate:"max=80"`
	CountedQty *decimal.Decimal `json:"counted_qty" validate:"required"`
	Reason     string           `json:"reason" validate:"max=500"`
}

type opnameRequest struct {
	LocationID string              `json:"location_id" validate:"max=80"`
	Notes      string              `json:"notes" validate:"max=500"`
	Items      []opnameItemRequest `json:"items" validate:"required,min=1,max=500,dive"`
}

type transitionRequest struct {
	Note string `json:"note" validate:"max=500"`
}

type stockRequest struct {
	Qty    *decimal.Decimal `json:"qty" validate:"required"`
	Reason string           `json:"reason" validate:"max=500"`
}

type debtRequest struct {
	Kind      string           `json:"kind" validate:"required,oneof=payable receivable general_debt"`
	PartyName string           `json:"party_name" validate:"required,max=160"`
	Total     *decimal.Decimal `json:"total" validate:"required"`
	DueDate   string           `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
}

type installmentRequest struct {
	Amount *decimal.Decimal `json:"amount" validate:"required"`
	PaidAt *time.Time       `json:"paid_at"`
	Note   string           `json:"note" validate:"max=500"`
}

type consignmentRequest struct {
	PartnerName string           `json:"partner_name" validate:"required,max=160"`
	ProductID   string           `json:"product_id" validate:"required,max=80"`
	LocationID  string           `json:"location_id" validate:"required,max=80"`
	Qty         *decimal.Decimal `json:"qty" validate:"required"`
}

type qtyRequest struct {
	Qty *decimal.Decimal `json:"qty" validate:"required"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSubmitReconciliation(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	record, err := a.service.SubmitReconciliation(r.Context(), domain.SubmitRequest{
		Subject:       domain.SubjectRef{Kind: req.Subject.Kind, ID: req.Subject.ID},
		ObservedValue: *req.ObservedValue,
		Note:          req.Note,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (a *API) handleSubmitOpname(w http.ResponseWriter, r *http.Request) {
	var req opnameRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	items := make([]domain.StockLevelUpdateRequest, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.StockLevelUpdateRequest{
			ProductID:  item.ProductID,
			LocationID: item.LocationID,
			Qty:        *item.CountedQty,
			Reason:     item.Reason,
		})
	}

	records, err := a.service.SubmitOpname(r.Context(), req.LocationID, items, req.Notes)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"records": records})
}

func (a *API) handleListReconciliations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from, err := parseTimeParam(query.Get("from"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseRangeEnd(query.Get("to"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	page, err := a.service.ListReconciliations(r.Context(), domain.RecordFilter{
		Status:      query.Get("status"),
		SubjectKind: query.Get("subject_kind"),
		From:        from,
		To:          to,
		Page:        parsePositiveLimit(query.Get("page"), 1, 0),
		PageSize:    parsePositiveLimit(query.Get("page_size"), 0, 0),
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleGetReconciliation(w http.ResponseWriter, r *http.Request) {
	record, err := a.service.GetReconciliation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) handleApproveReconciliation(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if r.ContentLength != 0 && !a.decodeAndValidate(w, r, &req) {
		return
	}

	record, err := a.service.ApproveReconciliation(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) handleRejectReconciliation(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	record, err := a.service.RejectReconciliation(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) handleDeleteReconciliation(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteReconciliation(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReconcileSubject(w http.ResponseWriter, r *http.Request) {
	out, err := a.service.ReconcileSubject(r.Context(), domain.SubjectRef{
		Kind: chi.URLParam(r, "kind"),
		ID:   chi.URLParam(r, "id"),
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetStock(w http.ResponseWriter, r *http.Request) {
	level, err := a.service.GetStockLevel(r.Context(), chi.URLParam(r, "productID"), chi.URLParam(r, "locationID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

func (a *API) handleSetStock(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	level, err := a.service.SetStockLevel(r.Context(), domain.StockLevelUpdateRequest{
		ProductID:  chi.URLParam(r, "productID"),
		LocationID: chi.URLParam(r, "locationID"),
		Qty:        *req.Qty,
		Reason:     req.Reason,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

func (a *API) handleCreateDebt(w http.ResponseWriter, r *http.Request) {
	var req debtRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	var dueDate *time.Time
	if req.DueDate != "" {
		parsed, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		dueDate = &parsed
	}

	view, err := a.service.CreateDebt(r.Context(), domain.DebtCreateRequest{
		Kind:      req.Kind,
		PartyName: req.PartyName,
		Total:     *req.Total,
		DueDate:   dueDate,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) handleGetDebt(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.GetDebt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleRecordInstallment(w http.ResponseWriter, r *http.Request) {
	var req installmentRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	in := domain.InstallmentRequest{
		DebtID: chi.URLParam(r, "id"),
		Amount: *req.Amount,
		Note:   req.Note,
	}
	if req.PaidAt != nil {
		in.PaidAt = req.PaidAt.UTC()
	}

	view, err := a.service.RecordInstallment(r.Context(), in)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) handleCreateConsignment(w http.ResponseWriter, r *http.Request) {
	var req consignmentRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	c, err := a.service.CreateConsignment(r.Context(), domain.ConsignmentCreateRequest{
		PartnerName: req.PartnerName,
		ProductID:   req.ProductID,
		LocationID:  req.LocationID,
		Qty:         *req.Qty,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleGetConsignment(w http.ResponseWriter, r *http.Request) {
	c, err := a.service.GetConsignment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleConsignmentSale(w http.ResponseWriter, r *http.Request) {
	var req qtyRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	c, err := a.service.RecordConsignmentSale(r.Context(), chi.URLParam(r, "id"), *req.Qty)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleConsignmentReturn(w http.ResponseWriter, r *http.Request) {
	var req qtyRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	c, err := a.service.RecordConsignmentReturn(r.Context(), chi.URLParam(r, "id"), *req.Qty)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleSettleConsignment(w http.ResponseWriter, r *http.Request) {
	c, err := a.service.SettleConsignment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), date, limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
