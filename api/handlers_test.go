/*
handlers_test.go - Tests for the lot ledger HTTP API

Tests for:
- Register / consume / correct-price round trips
- Error status mapping (400, 404, 409, 422, 503)
- Lot listing order and stats
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lot-ledger/costlot"
	"github.com/warp/lot-ledger/costlot/store"
	"github.com/warp/lot-ledger/factory"
	"github.com/warp/lot-ledger/recompute"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	router  *chi.Mux
	handler *Handler
	store   *store.TxMemory
}

func newTestServer(t *testing.T, policy factory.StorePolicy) *testServer {
	t.Helper()
	st := store.NewTxMemory()
	n := 0
	ledger := costlot.NewLedger(st, costlot.WithIDGenerator(func() costlot.LotID {
		n++
		return costlot.LotID(fmt.Sprintf("lot-%d", n))
	}))

	h := NewHandler(ledger, st, policy)
	h.Now = func() time.Time { return t0 }
	return &testServer{router: NewRouter(h, RouterOptions{}), handler: h, store: st}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) seed(t *testing.T, lots ...costlot.Lot) {
	t.Helper()
	for _, l := range lots {
		require.NoError(t, s.store.CreateLot(context.Background(), l))
	}
}

func seedLot(id string, price, count int64) costlot.Lot {
	return costlot.Lot{
		ID:        costlot.LotID(id),
		Key:       costlot.SubjectKey("sku-1"),
		UnitPrice: price,
		ItemCount: count,
		ArrivedAt: t0,
		IsExact:   true,
	}
}

var byPriceJSON = &factory.OrderingJSON{Column: "unit_price", Direction: "asc"}

// =============================================================================
// CONSUME
// =============================================================================

func TestConsume_PersistReturnsDiff(t *testing.T) {
	// GIVEN: [{100,2},{120,3}]
	// WHEN: POST consume 4 by ascending price with persist
	// THEN: 200, cost 440, a deleted, b updated to 1

	s := newTestServer(t, factory.DefaultPolicy())
	s.seed(t, seedLot("a", 100, 2), seedLot("b", 120, 3))

	rec := s.do(t, http.MethodPost, "/api/lots/consume", ConsumeRequest{
		KeyDTO:   KeyDTO{SubjectID: "sku-1"},
		Quantity: 4,
		Ordering: byPriceJSON,
		Persist:  true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[ConsumeResponse](t, rec)
	assert.Equal(t, int64(440), resp.TotalCost)
	assert.False(t, resp.Estimated)
	assert.True(t, resp.Persisted)
	assert.Equal(t, []string{"a"}, resp.Deleted)
	assert.Equal(t, []CountUpdateDTO{{ID: "b", ItemCount: 1}}, resp.Updated)
	require.Len(t, resp.Use, 2)
	assert.Equal(t, int64(100), resp.Use[0].UnitPrice)
	require.Len(t, resp.Remaining, 1)
	assert.Equal(t, "b", resp.Remaining[0].ID)
	assert.Equal(t, int64(120), resp.Remaining[0].UnitPrice)
	assert.Equal(t, int64(1), resp.Remaining[0].ItemCount)
}

func TestConsume_ProjectionIsEstimated(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())
	s.seed(t, seedLot("a", 100, 2), seedLot("b", 120, 3))

	req := ConsumeRequest{
		KeyDTO:             KeyDTO{SubjectID: "sku-1"},
		Quantity:           10,
		Ordering:           byPriceJSON,
		ShortfallUnitPrice: 50,
	}
	rec := s.do(t, http.MethodPost, "/api/lots/consume", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[ConsumeResponse](t, rec)
	assert.Equal(t, int64(810), resp.TotalCost)
	assert.Equal(t, int64(5), resp.Shortfall)
	assert.True(t, resp.Estimated)
	assert.False(t, resp.Persisted)
	assert.Empty(t, resp.Deleted)
	assert.Empty(t, resp.Remaining, "every lot drained")

	lots, err := s.store.FindLots(context.Background(), costlot.SubjectKey("sku-1"), costlot.LotFilter{})
	require.NoError(t, err)
	assert.Len(t, lots, 2, "projection writes nothing")
}

func TestConsume_ExactPriceExhausted(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())
	s.seed(t, seedLot("a", 100, 2))

	rec := s.do(t, http.MethodPost, "/api/lots/consume", ConsumeRequest{
		KeyDTO:         KeyDTO{SubjectID: "sku-1"},
		Quantity:       1,
		ExactUnitPrice: costlot.Int64(120),
		Persist:        true,
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Details, "exact unit price exhausted")
}

func TestConsume_ValidationErrors(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())

	tests := []struct {
		name string
		body any
	}{
		{"missing subject", ConsumeRequest{Quantity: 1}},
		{"negative quantity", ConsumeRequest{KeyDTO: KeyDTO{SubjectID: "sku-1"}, Quantity: -1}},
		{"unknown ordering", ConsumeRequest{
			KeyDTO:   KeyDTO{SubjectID: "sku-1"},
			Quantity: 1,
			Ordering: &factory.OrderingJSON{Column: "weight"},
		}},
		{"partial key", ConsumeRequest{KeyDTO: KeyDTO{SubjectID: "sku-1", ResourceType: "channel"}, Quantity: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/lots/consume", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestConsume_FieldErrorsUseJSONNames(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())

	rec := s.do(t, http.MethodPost, "/api/lots/consume", map[string]any{"quantity": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeBody[ErrorResponse](t, rec)
	require.Len(t, resp.Fields, 1)
	assert.Contains(t, resp.Fields[0].Field, "subject_id")
	assert.Equal(t, "This field is required", resp.Fields[0].Message)
}

func TestConsume_MalformedBody(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())

	req := httptest.NewRequest(http.MethodPost, "/api/lots/consume", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decodeBody[ErrorResponse](t, rec).Error)
}

// =============================================================================
// REGISTER
// =============================================================================

func TestRegister_PooledByDefault(t *testing.T) {
	// GIVEN: The default store policy (pooled average)
	// WHEN: Registering {100,2} then {130,1}
	// THEN: One lot {110,3} remains

	s := newTestServer(t, factory.DefaultPolicy())

	for _, l := range []NewLotDTO{{UnitPrice: 100, ItemCount: 2, IsExact: true}, {UnitPrice: 130, ItemCount: 1, IsExact: true}} {
		rec := s.do(t, http.MethodPost, "/api/lots/register", RegisterRequest{
			KeyDTO: KeyDTO{SubjectID: "sku-1"},
			Lots:   []NewLotDTO{l},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodGet, "/api/subjects/sku-1/lots", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[LotsResponse](t, rec)
	require.Len(t, resp.Lots, 1)
	assert.Equal(t, int64(110), resp.Lots[0].UnitPrice)
	assert.Equal(t, int64(3), resp.Lots[0].ItemCount)
	assert.Equal(t, int64(330), resp.TotalCost)
	assert.True(t, resp.Lots[0].IsExact)
}

func TestRegister_DiscreteModeOverride(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())

	rec := s.do(t, http.MethodPost, "/api/lots/register", RegisterRequest{
		KeyDTO: KeyDTO{SubjectID: "sku-1"},
		Lots:   []NewLotDTO{{UnitPrice: 100, ItemCount: 2}, {UnitPrice: 120, ItemCount: 1}},
		Mode:   "discrete",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeBody[RegisterResponse](t, rec)
	require.Len(t, resp.Lots, 2)
	assert.Equal(t, "lot-1", resp.Lots[0].ID)
	assert.Equal(t, "sku-1", resp.Lots[0].SubjectID)
	assert.Equal(t, "subject", resp.Lots[0].ResourceType)
	require.NotNil(t, resp.Lots[0].ArrivedAt)
	assert.True(t, resp.Lots[0].ArrivedAt.Equal(t0), "arrival defaults to now")
}

func TestRegister_HierarchicalLot(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())

	rec := s.do(t, http.MethodPost, "/api/lots/register", RegisterRequest{
		KeyDTO: KeyDTO{SubjectID: "kit-1"},
		Lots: []NewLotDTO{{
			UnitPrice: 300,
			ItemCount: 4,
			Children: []SubLotDTO{
				{SubjectID: "part-1", UnitPrice: 100, ItemCount: 2},
				{SubjectID: "part-2", UnitPrice: 100, ItemCount: 1},
			},
		}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeBody[RegisterResponse](t, rec)
	require.Len(t, resp.Lots, 1)
	assert.Equal(t, int64(1), resp.Lots[0].ItemCount, "bundle is one indivisible unit")
	require.Len(t, resp.Lots[0].Children, 2)
	assert.Equal(t, "part-1", resp.Lots[0].Children[0].SubjectID)
}

func TestRegister_ValidationErrors(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())

	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"no lots", RegisterRequest{KeyDTO: KeyDTO{SubjectID: "sku-1"}}},
		{"unknown mode", RegisterRequest{
			KeyDTO: KeyDTO{SubjectID: "sku-1"},
			Lots:   []NewLotDTO{{UnitPrice: 1, ItemCount: 1}},
			Mode:   "fifo",
		}},
		{"zero count", RegisterRequest{
			KeyDTO: KeyDTO{SubjectID: "sku-1"},
			Lots:   []NewLotDTO{{UnitPrice: 1, ItemCount: 0}},
		}},
		{"child without units", RegisterRequest{
			KeyDTO: KeyDTO{SubjectID: "kit-1"},
			Lots:   []NewLotDTO{{UnitPrice: 1, ItemCount: 1, Children: []SubLotDTO{{SubjectID: "p", ItemCount: 0}}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/lots/register", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

// =============================================================================
// CORRECT PRICE
// =============================================================================

func TestCorrectPrice(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())
	inexact := seedLot("inexact", 0, 1)
	inexact.IsExact = false
	s.seed(t, seedLot("zero", 0, 2), seedLot("priced", 10, 1), inexact)

	tests := []struct {
		name       string
		id         string
		body       any
		wantStatus int
	}{
		{"exact zero-priced lot", "zero", CorrectPriceRequest{UnitPrice: costlot.Int64(25)}, http.StatusOK},
		{"already corrected", "zero", CorrectPriceRequest{UnitPrice: costlot.Int64(30)}, http.StatusUnprocessableEntity},
		{"priced lot", "priced", CorrectPriceRequest{UnitPrice: costlot.Int64(25)}, http.StatusUnprocessableEntity},
		{"inexact lot", "inexact", CorrectPriceRequest{UnitPrice: costlot.Int64(25)}, http.StatusUnprocessableEntity},
		{"unknown lot", "missing", CorrectPriceRequest{UnitPrice: costlot.Int64(25)}, http.StatusNotFound},
		{"missing price", "zero", map[string]any{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/lots/"+tt.id+"/correct-price", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}

	lot, err := s.store.GetLot(context.Background(), "zero")
	require.NoError(t, err)
	assert.Equal(t, int64(25), lot.UnitPrice)
}

// =============================================================================
// SUBJECTS
// =============================================================================

func TestListLots_OrderingFromQuery(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())
	s.seed(t, seedLot("a", 100, 1), seedLot("b", 300, 1), seedLot("c", 200, 1))

	rec := s.do(t, http.MethodGet, "/api/subjects/sku-1/lots?column=unit_price&direction=desc", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[LotsResponse](t, rec)
	var ids []string
	for _, l := range resp.Lots {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids)
	assert.Equal(t, int64(3), resp.ItemCount)

	rec = s.do(t, http.MethodGet, "/api/subjects/sku-1/lots?column=weight", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListLots_ScopedKey(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())
	scoped := seedLot("w", 100, 1)
	scoped.Key = costlot.ScopedKey("sku-1", "channel", "web")
	s.seed(t, seedLot("a", 100, 1), scoped)

	rec := s.do(t, http.MethodGet, "/api/subjects/sku-1/lots?resource_type=channel&resource_id=web", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[LotsResponse](t, rec)
	require.Len(t, resp.Lots, 1)
	assert.Equal(t, "w", resp.Lots[0].ID)
}

func TestGetStats_ComputedOnFirstRead(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())
	s.seed(t, seedLot("a", 100, 2), seedLot("b", 120, 1))
	s.handler.Worker = recompute.NewWorker(s.store, s.store, recompute.Options{})

	rec := s.do(t, http.MethodGet, "/api/subjects/sku-1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stats := decodeBody[StatsDTO](t, rec)
	assert.Equal(t, int64(3), stats.ItemCount)
	assert.Equal(t, "106.6667", stats.AverageCost.String())
	assert.Equal(t, int64(100), stats.MinUnitPrice)
	assert.Equal(t, int64(120), stats.MaxUnitPrice)
}

func TestGetStats_NotAvailableWithoutWorker(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())

	rec := s.do(t, http.MethodGet, "/api/subjects/sku-1/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// POLICY / ADMIN
// =============================================================================

func TestGetPolicy(t *testing.T) {
	policy := factory.StorePolicy{
		ID:           "store-42",
		Ordering:     costlot.Ordering{Column: costlot.ColumnUnitPrice, Direction: costlot.Desc},
		Registration: costlot.Discrete,
	}
	s := newTestServer(t, policy)

	rec := s.do(t, http.MethodGet, "/api/policy", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeBody[factory.PolicyJSON](t, rec)
	assert.Equal(t, "store-42", got.ID)
	require.NotNil(t, got.Ordering)
	assert.Equal(t, "unit_price", got.Ordering.Column)
	assert.Equal(t, "desc", got.Ordering.Direction)
	assert.Equal(t, "discrete", got.Registration)
}

func TestRecomputeAll(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())
	s.seed(t, seedLot("a", 100, 2))

	rec := s.do(t, http.MethodPost, "/api/admin/recompute", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.handler.Worker = recompute.NewWorker(s.store, s.store, recompute.Options{})
	rec = s.do(t, http.MethodPost, "/api/admin/recompute", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats, err := s.store.GetStats(context.Background(), "sku-1")
	require.NoError(t, err)
	assert.NotNil(t, stats)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, factory.DefaultPolicy())

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{costlot.ErrLotNotFound, http.StatusNotFound},
		{costlot.ErrLockNotObtained, http.StatusConflict},
		{&costlot.ExactPriceExhaustedError{UnitPrice: 1}, http.StatusUnprocessableEntity},
		{costlot.ErrInvalidManualCorrection, http.StatusUnprocessableEntity},
		{costlot.ErrMissingKey, http.StatusBadRequest},
		{costlot.ErrInvalidPolicy, http.StatusBadRequest},
		{&costlot.ReconciliationMismatchError{ID: "x"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
