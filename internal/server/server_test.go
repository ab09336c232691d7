package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	st "github.com/Aidin1998/mmbot/internal/settlement/settlementtest"
	"github.com/Aidin1998/mmbot/pkg/problem"
)

type fakeHealth struct{ err error }

func (h fakeHealth) HealthCheck(context.Context) error { return h.err }

type fakeStopper struct {
	orderID string
	reason  string
	err     error
}

func (s *fakeStopper) RequestStop(_ context.Context, orderID, reason string) error {
	s.orderID, s.reason = orderID, reason
	return s.err
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHealthEndpoints(t *testing.T) {
	srv := NewServer(zaptest.NewLogger(t), st.NewRepository(t), &fakeStopper{}, fakeHealth{})
	router := srv.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	unready := NewServer(zaptest.NewLogger(t), st.NewRepository(t), &fakeStopper{}, fakeHealth{err: errors.New("db down")})
	w = httptest.NewRecorder()
	unready.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, problem.ContentType, w.Header().Get("Content-Type"))
	var body problem.Details
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "db down", body.Detail)
	assert.Equal(t, "/readyz", body.Instance)
}

func TestGetOrder(t *testing.T) {
	repo := st.NewRepository(t)
	orderID := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, repo.CreateOrder(context.Background(),
		&interfaces.Order{OrderID: orderID, UserID: "u1", PairID: "btc-usdt-binance", State: interfaces.OrderStatePaymentPending, CreatedAt: now, UpdatedAt: now},
		&interfaces.PaymentState{OrderID: orderID, UserID: "u1", BaseAssetID: st.BTC, QuoteAssetID: st.USDT, State: interfaces.PaymentPending, CreatedAt: now, UpdatedAt: now}))

	router := NewServer(zaptest.NewLogger(t), repo, &fakeStopper{}, fakeHealth{}).Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/"+orderID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Order       interfaces.Order                  `json:"order"`
		Payment     interfaces.PaymentState           `json:"payment"`
		Transitions []interfaces.OrderStateTransition `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, orderID, body.Order.OrderID)
	assert.Equal(t, interfaces.OrderStatePaymentPending, body.Order.State)
	assert.Equal(t, st.BTC, body.Payment.BaseAssetID)
	assert.Len(t, body.Transitions, 1)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopOrder(t *testing.T) {
	stopper := &fakeStopper{}
	router := NewServer(zaptest.NewLogger(t), st.NewRepository(t), stopper, fakeHealth{}).Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders/o-1/stop", strings.NewReader(`{"reason":"maintenance"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "o-1", stopper.orderID)
	assert.Equal(t, "maintenance", stopper.reason)

	stopper.err = interfaces.ErrNotFound
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/orders/o-2/stop", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, problem.ContentType, w.Header().Get("Content-Type"))

	stopper.err = nil
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/orders/o-3/stop", strings.NewReader(`{"reason":`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
