package fraud

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*gin.Engine, *MemoryStore, *fakeSink) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	sink := &fakeSink{}
	h := NewHandler(newTestService(store, sink))

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1)
	return r, store, sink
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIngestEndpoint_Created(t *testing.T) {
	r, store, _ := newTestRouter(t)

	w := postJSON(t, r, "/v1/transactions", Input{
		ID:          "T1",
		Amount:      500,
		Currency:    "USD",
		FromAccount: "ACC-1",
		ToAccount:   "ACC-2",
		Timestamp:   businessHours,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Transaction Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "T1", resp.Transaction.ID)
	assert.Equal(t, StatusCompleted, resp.Transaction.Status)

	_, err := store.GetTransaction(t.Context(), "T1")
	assert.NoError(t, err)
}

func TestIngestEndpoint_ValidationFailed(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := postJSON(t, r, "/v1/transactions", map[string]any{
		"id":     "T1",
		"amount": -5,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_failed")
	assert.Contains(t, w.Body.String(), "amount")
}

func TestIngestEndpoint_Duplicate(t *testing.T) {
	r, _, _ := newTestRouter(t)

	in := Input{ID: "T1", Amount: 500, Currency: "USD", FromAccount: "A", ToAccount: "B", Timestamp: businessHours}
	require.Equal(t, http.StatusCreated, postJSON(t, r, "/v1/transactions", in).Code)

	w := postJSON(t, r, "/v1/transactions", in)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate_transaction")
}

func TestRecentEndpoints(t *testing.T) {
	r, _, _ := newTestRouter(t)

	for _, id := range []string{"T1", "T2", "T3"} {
		in := Input{ID: id, Amount: 500, Currency: "USD", FromAccount: "A", ToAccount: "B", Timestamp: businessHours}
		require.Equal(t, http.StatusCreated, postJSON(t, r, "/v1/transactions", in).Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/recent?limit=2", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Transactions []Transaction `json:"transactions"`
		Count        int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "T3", resp.Transactions[0].ID)

	req = httptest.NewRequest(http.MethodGet, "/v1/alerts/recent", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUpdateStatusEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t)

	in := Input{ID: "T1", Amount: 500, Currency: "USD", FromAccount: "A", ToAccount: "B", Timestamp: businessHours}
	require.Equal(t, http.StatusCreated, postJSON(t, r, "/v1/transactions", in).Code)

	raw, _ := json.Marshal(map[string]string{"status": "BLOCKED"})
	req := httptest.NewRequest(http.MethodPatch, "/v1/transactions/T1/status", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Transaction Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusBlocked, resp.Transaction.Status)
}

func TestUpdateStatusEndpoint_NotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)

	raw, _ := json.Marshal(map[string]string{"status": "FAILED"})
	req := httptest.NewRequest(http.MethodPatch, "/v1/transactions/nope/status", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
