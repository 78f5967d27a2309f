package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"gudangops/backend/internal/reconcile"
	"gudangops/backend/internal/service"
)

var supervisors = []string{service.RoleSupervisor, service.RoleAdmin}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	logger        logrus.FieldLogger
	validate      *validator.Validate
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger logrus.FieldLogger) *API {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		logger:        logger.WithField("component", "httpapi"),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{a.allowedOrigin},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(a.withMiddleware)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/reconciliations", func(r chi.Router) {
			r.Get("/", a.requireAuth(a.handleListReconciliations))
			r.Post("/", a.requireAuth(a.handleSubmitReconciliation))
			r.Post("/batch", a.requireAuth(a.handleSubmitOpname))
			r.Get("/{id}", a.requireAuth(a.handleGetReconciliation))
			r.Post("/{id}/approve", a.requireAuth(a.handleApproveReconciliation, supervisors...))
			r.Post("/{id}/reject", a.requireAuth(a.handleRejectReconciliation, supervisors...))
			r.Delete("/{id}", a.requireAuth(a.handleDeleteReconciliation, supervisors...))
		})

		r.Post("/subjects/{kind}/{id}/reconcile", a.requireAuth(a.handleReconcileSubject, supervisors...))

		r.Get("/stock/{productID}/{locationID}", a.requireAuth(a.handleGetStock))
		r.Put("/stock/{productID}/{locationID}", a.requireAuth(a.handleSetStock, service.RoleAdmin))

		r.Route("/debts", func(r chi.Router) {
			r.Post("/", a.requireAuth(a.handleCreateDebt, supervisors...))
			r.Get("/{id}", a.requireAuth(a.handleGetDebt))
			r.Post("/{id}/installments", a.requireAuth(a.handleRecordInstallment))
		})

		r.Route("/consignments", func(r chi.Router) {
			r.Post("/", a.requireAuth(a.handleCreateConsignment, supervisors...))
			r.Get("/{id}", a.requireAuth(a.handleGetConsignment))
			r.Post("/{id}/sales", a.requireAuth(a.handleConsignmentSale, supervisors...))
			r.Post("/{id}/returns", a.requireAuth(a.handleConsignmentReturn, supervisors...))
			r.Post("/{id}/settle", a.requireAuth(a.handleSettleConsignment, supervisors...))
		})

		r.Get("/audit-logs", a.requireAuth(a.handleAuditLogs, supervisors...))
	})

	return r
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(startedAt).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Info("request")
	})
}

// writeServiceError maps a service or workflow error to its status code. The
// body carries the user-facing message; 5xx bodies stay generic.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr *reconcile.ValidationError
		transitionErr *reconcile.InvalidTransitionError
		applyErr      *reconcile.ApplyFailedError
		notFoundErr   *reconcile.NotFoundError
		busyErr       *reconcile.BusyError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		status = http.StatusNotFound
	case errors.As(err, &transitionErr), errors.As(err, &busyErr):
		status = http.StatusConflict
	case errors.As(err, &applyErr):
		status = http.StatusUnprocessableEntity
	}

	if status >= 500 {
		a.writeError(w, status, err)
		return
	}
	writeJSON(w, status, map[string]any{
		"error":     reconcile.UserMessage(err),
		"detail":    err.Error(),
		"retryable": reconcile.Retryable(err),
	})
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		a.logger.WithField("status", status).WithError(err).Error("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

// decodeAndValidate decodes a strict JSON body into dest and runs its
// validate tags. It writes the 400 response itself and reports false on failure.
func (a *API) decodeAndValidate(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := a.validate.Struct(dest); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) {
			a.writeError(w, http.StatusBadRequest, err)
			return false
		}
		fields := make(map[string]string, len(validationErrs))
		for _, fe := range validationErrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "please check the submitted data",
			"fields": fields,
		})
		return false
	}
	return true
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// parseTimeParam accepts RFC 3339 or a bare YYYY-MM-DD date.
func parseTimeParam(raw string) (*time.Time, error) {
	t, _, err := parseTimeOrDate(raw)
	return t, err
}

// parseRangeEnd parses an exclusive upper bound. A bare date covers that
// whole day, so it resolves to the following midnight UTC.
func parseRangeEnd(raw string) (*time.Time, error) {
	t, dateOnly, err := parseTimeOrDate(raw)
	if err != nil || t == nil || !dateOnly {
		return t, err
	}
	end := t.AddDate(0, 0, 1)
	return &end, nil
}

func parseTimeOrDate(raw string) (*time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, false, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
