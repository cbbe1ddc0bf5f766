/*
handlers.go - HTTP API handlers for the lot ledger

PURPOSE:
  Exposes the costlot ledger via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to the ledger.

ENDPOINTS:
  Lots:
    POST   /api/lots/consume                Consume (persist=true) or project
    POST   /api/lots/register               Register lots under the store policy
    POST   /api/lots/{id}/correct-price     Backfill an exact zero-priced lot

  Subjects:
    GET    /api/subjects/{id}/lots          Lots of a key in consumption order
    GET    /api/subjects/{id}/stats         Cost aggregates

  Policy / admin:
    GET    /api/policy                      Effective store policy
    POST   /api/admin/recompute             Recompute stats of every subject

REQUEST FLOW:
  1. Decode JSON body
  2. Validate tags (go-playground/validator)
  3. Fill ordering / registration mode from the store policy if omitted
  4. Call the ledger
  5. Serialize response

ERROR HANDLING:
  Errors are returned as JSON {error, details} with:
  - 400: Validation errors, missing key, bad ordering or mode
  - 404: Lot not found, stats not available
  - 409: Per-key lock not obtained (retry)
  - 422: Exact price exhausted, invalid manual correction
  - 500: Internal errors (including reconciliation mismatch)

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/warp/lot-ledger/costlot"
	"github.com/warp/lot-ledger/factory"
	"github.com/warp/lot-ledger/recompute"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger        *costlot.Ledger
	Stats         costlot.StatsStore
	Policy        factory.StorePolicy
	PolicyFactory *factory.PolicyFactory

	// Worker is optional. When set, stats are computed on first read and
	// the admin recompute endpoint is enabled.
	Worker *recompute.Worker

	Log zerolog.Logger
	Now func() time.Time

	validate *validator.Validate
}

// NewHandler creates a new handler.
func NewHandler(ledger *costlot.Ledger, stats costlot.StatsStore, policy factory.StorePolicy) *Handler {
	return &Handler{
		Ledger:        ledger,
		Stats:         stats,
		Policy:        policy,
		PolicyFactory: factory.NewPolicyFactory(),
		Log:           zerolog.Nop(),
		Now:           time.Now,
		validate:      newValidator(),
	}
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// LOT HANDLERS
// =============================================================================

// Consume draws units from a key.
// POST /api/lots/consume
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if !h.decode(w, r, &req) {
		return
	}

	ordering := h.Policy.Ordering
	if req.Ordering != nil {
		var err error
		if ordering, err = factory.ParseOrdering(*req.Ordering); err != nil {
			h.writeLedgerError(w, "Invalid ordering", err)
			return
		}
	}

	res, err := h.Ledger.Consume(r.Context(), req.toKey(), req.Quantity, ordering, costlot.ConsumeOptions{
		ShortfallUnitPrice: req.ShortfallUnitPrice,
		ExactUnitPrice:     req.ExactUnitPrice,
		Persist:            req.Persist,
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to consume lots", err)
		return
	}

	resp := ConsumeResponse{
		Use:       toLotDTOs(res.Use),
		Remaining: toLotDTOs(res.Remaining),
		TotalCost: res.TotalCost,
		Shortfall: res.Shortfall,
		Estimated: !res.FullyBacked(),
		Persisted: req.Persist,
	}
	for _, id := range res.Diff.Deletes {
		resp.Deleted = append(resp.Deleted, string(id))
	}
	for _, u := range res.Diff.Updates {
		resp.Updated = append(resp.Updated, CountUpdateDTO{ID: string(u.ID), ItemCount: u.ItemCount})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Register adds lots.
// POST /api/lots/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	opts := h.Policy.RegisterOptions()
	if req.Mode != "" {
		mode, err := factory.ParseRegistrationMode(req.Mode)
		if err != nil {
			h.writeLedgerError(w, "Invalid registration mode", err)
			return
		}
		opts.Mode = mode
	}
	if req.PoolKey != nil {
		k := req.PoolKey.toKey()
		opts.PoolKey = &k
	}
	opts.ForceDiscrete = req.ForceDiscrete
	opts.KeepHierarchicalCount = req.KeepHierarchicalCount

	now := h.Now().UTC()
	lots := make([]costlot.Lot, len(req.Lots))
	for i, l := range req.Lots {
		lots[i] = l.toLot(now)
	}

	receipts, err := h.Ledger.Register(r.Context(), req.toKey(), lots, opts)
	if err != nil {
		h.writeLedgerError(w, "Failed to register lots", err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{Lots: toLotDTOs(receipts)})
}

// CorrectPrice backfills the price of an exact zero-priced lot.
// POST /api/lots/{id}/correct-price
func (h *Handler) CorrectPrice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req CorrectPriceRequest
	if !h.decode(w, r, &req) {
		return
	}

	lot, err := h.Ledger.CorrectZeroPriceLot(r.Context(), costlot.LotID(id), *req.UnitPrice)
	if err != nil {
		h.writeLedgerError(w, "Failed to correct lot price", err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(lot))
}

// =============================================================================
// SUBJECT HANDLERS
// =============================================================================

// ListLots returns the lots of a key in consumption order.
// GET /api/subjects/{id}/lots?resource_type=&resource_id=&column=&direction=&reverse=
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := KeyDTO{
		SubjectID:    chi.URLParam(r, "id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
	}.toKey()

	ordering := h.Policy.Ordering
	if col := q.Get("column"); col != "" {
		var err error
		ordering, err = factory.ParseOrdering(factory.OrderingJSON{
			Column:    col,
			Direction: q.Get("direction"),
			Reverse:   q.Get("reverse") == "true",
		})
		if err != nil {
			h.writeLedgerError(w, "Invalid ordering", err)
			return
		}
	}

	lots, err := h.Ledger.Lots(r.Context(), key, ordering)
	if err != nil {
		h.writeLedgerError(w, "Failed to list lots", err)
		return
	}
	writeJSON(w, http.StatusOK, LotsResponse{
		Lots:      toLotDTOs(lots),
		ItemCount: costlot.TotalCount(lots),
		TotalCost: costlot.TotalCost(lots),
	})
}

// GetStats returns the cost aggregates of a subject.
// GET /api/subjects/{id}/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject := costlot.SubjectID(chi.URLParam(r, "id"))

	stats, err := h.Stats.GetStats(ctx, subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get stats", err)
		return
	}
	if stats == nil && h.Worker != nil {
		if err := h.Worker.Recompute(ctx, subject); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to compute stats", err)
			return
		}
		if stats, err = h.Stats.GetStats(ctx, subject); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get stats", err)
			return
		}
	}
	if stats == nil {
		writeError(w, http.StatusNotFound, "Stats not available", nil)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(*stats))
}

// =============================================================================
// POLICY / ADMIN HANDLERS
// =============================================================================

// GetPolicy returns the effective store policy.
// GET /api/policy
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToJSON(h.Policy))
}

// RecomputeAll recomputes stats of every subject synchronously.
// POST /api/admin/recompute
func (h *Handler) RecomputeAll(w http.ResponseWriter, r *http.Request) {
	if h.Worker == nil {
		writeError(w, http.StatusServiceUnavailable, "Recompute worker not configured", nil)
		return
	}
	if err := h.Worker.Sweep(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to recompute stats", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Status: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. On failure it writes the 400
// response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		resp := ErrorResponse{Error: "Request validation failed", Details: err.Error()}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				resp.Fields = append(resp.Fields, FieldErrorDTO{
					Field:   fe.Namespace(),
					Message: validationMessage(fe),
				})
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Must contain at least " + fe.Param() + " item(s)"
	case "gt":
		return "Must be greater than " + fe.Param()
	case "gte":
		return "Must be greater than or equal to " + fe.Param()
	case "oneof":
		return "Must be one of: " + fe.Param()
	default:
		return "Invalid value"
	}
}

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case costlot.IsNotFound(err):
		return http.StatusNotFound
	case costlot.IsRetryable(err):
		return http.StatusConflict
	case errors.Is(err, costlot.ErrExactPriceExhausted),
		errors.Is(err, costlot.ErrInvalidManualCorrection):
		return http.StatusUnprocessableEntity
	case costlot.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Msg(message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
