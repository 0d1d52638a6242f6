package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aksrustagi/talos-sub002/activity"
	"github.com/aksrustagi/talos-sub002/procurement"
)

func TestAgentClient_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agents/invoice-parser/invoke", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body struct {
			Input map[string]any `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "inv-1", body.Input["invoiceId"])

		json.NewEncoder(w).Encode(procurement.AgentResult{
			Success:    true,
			Output:     json.RawMessage(`{"decision":"parsed"}`),
			TokensUsed: 17,
		})
	}))
	defer srv.Close()

	client := NewAgentClient(srv.URL, "secret", time.Second)
	result, err := client.Invoke(context.Background(), "invoice-parser", map[string]any{"invoiceId": "inv-1"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 17, result.TokensUsed)
	assert.JSONEq(t, `{"decision":"parsed"}`, string(result.Output))
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   activity.Kind
	}{
		{http.StatusBadRequest, activity.KindValidation},
		{http.StatusUnprocessableEntity, activity.KindValidation},
		{http.StatusUnauthorized, activity.KindAuthentication},
		{http.StatusForbidden, activity.KindAuthentication},
		{http.StatusInternalServerError, activity.KindTransient},
		{http.StatusBadGateway, activity.KindTransient},
		{http.StatusTooManyRequests, activity.KindTransient},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tt.status)
		}))

		client := NewDocumentClient(srv.URL, time.Second)
		_, err := client.Update(context.Background(), "anything", nil)
		srv.Close()

		var ae *activity.Error
		require.True(t, errors.As(err, &ae), "status %d", tt.status)
		assert.Equal(t, tt.kind, ae.Kind, "status %d", tt.status)
	}
}

func TestDocumentClient_Update(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/mutations", r.URL.Path)
		var body struct {
			Operation string         `json:"operation"`
			Data      map[string]any `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "catalog:applyUpdates", body.Operation)
		w.Write([]byte(`{"updated": 3}`))
	}))
	defer srv.Close()

	client := NewDocumentClient(srv.URL, time.Second)
	raw, err := client.Update(context.Background(), "catalog:applyUpdates", map[string]any{"vendorId": "v-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"updated": 3}`, string(raw))
}

func TestPriceClient_FetchHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/prices/history", r.URL.Path)
		w.Write([]byte(`{"prices":[{"price":0.44},{"price":0.47}]}`))
	}))
	defer srv.Close()

	client := NewPriceClient(srv.URL, "", time.Second)
	records, err := client.FetchHistory(context.Background(), "vendor-a", "copper-wire")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.InDelta(t, 0.44, records[0].Price, 1e-9)
}

func TestPostJSON_ConnectionRefusedIsTransient(t *testing.T) {
	// Reserve a port, then close it so the dial fails.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	client := NewDocumentClient(srv.URL, time.Second)
	_, err := client.Update(context.Background(), "op", nil)

	var ae *activity.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, activity.KindTransient, ae.Kind)
}

func TestNewRedisNotifier_Validation(t *testing.T) {
	_, err := NewRedisNotifier("", "", 0, "talos:notifications")
	require.Error(t, err)

	_, err = NewRedisNotifier("localhost:6379", "", 0, "")
	require.Error(t, err)
}
