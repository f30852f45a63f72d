package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServerServesProjection(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.ApplyEvents(context.Background(), []NodeEvent{
		createdEvent(1, "5", "75"),
		completedEvent(2, "5", "completed"),
	})
	require.NoError(t, err)
	handler := NewServer(store, NewWebhookQueue()).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var payment PaymentRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payment))
	require.Equal(t, "completed", payment.Status)
	require.Equal(t, "75", payment.Value)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/6", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/5/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Events []EventRow `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Events, 2)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, float64(2), health["lastSequence"])
}

func TestServerCORSAndMetrics(t *testing.T) {
	store := setupTestStore(t)
	handler := NewServer(store, NewWebhookQueue(), WithAllowedOrigins([]string{"https://shop.example"})).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/payments/1", nil)
	req.Header.Set("Origin", "https://shop.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/payments/1", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `escrow_indexer_http_requests_total{method="GET",route="/payments/{orderID}",status="404"} 1`)
}
