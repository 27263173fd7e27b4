package recon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duespay/internal/gateway"
)

const testServerKey = "SB-Mid-server-test-key"

func newWebhookServer(t *testing.T, store Store) *httptest.Server {
	t.Helper()
	engine := NewEngine(Config{}, store, nil, testLogger())
	handler := NewWebhookHandler(engine, testServerKey, testLogger())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// signedPayload builds a notification body with a signature derived
// from the given key.
func signedPayload(key, orderID, statusCode, grossAmount, txStatus, fraudStatus string) []byte {
	payload := map[string]string{
		"order_id":           orderID,
		"status_code":        statusCode,
		"gross_amount":       grossAmount,
		"transaction_status": txStatus,
		"signature_key":      gateway.Signature(orderID, statusCode, grossAmount, key),
	}
	if fraudStatus != "" {
		payload["fraud_status"] = fraudStatus
	}
	body, _ := json.Marshal(payload)
	return body
}

func postWebhook(t *testing.T, url string, body []byte) (*http.Response, map[string]string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var envelope struct {
		Data map[string]string `json:"data"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	return resp, envelope.Data
}

func TestWebhookSettlementAppliesPayment(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	srv := newWebhookServer(t, store)

	body := signedPayload(testServerKey, "ORD1", "200", "50000", "settlement", "accept")
	resp, data := postWebhook(t, srv.URL, body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, string(OutcomeApplied), data["outcome"])

	m := store.member("01HVMEMBER")
	assert.Equal(t, []string{"2024-02"}, m.Arrears)
	assert.Nil(t, m.PendingCharge)
	require.Len(t, store.history, 1)
	assert.Equal(t, "ORD1", store.history[0].OrderID)
}

func TestWebhookChallengeAcknowledgedWithoutApply(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	srv := newWebhookServer(t, store)

	body := signedPayload(testServerKey, "ORD1", "200", "50000", "settlement", "challenge")
	resp, data := postWebhook(t, srv.URL, body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(OutcomeFlagged), data["outcome"])

	m := store.member("01HVMEMBER")
	assert.Equal(t, []string{"2024-01", "2024-02"}, m.Arrears)
	assert.NotNil(t, m.PendingCharge)
	assert.Empty(t, store.history)
}

func TestWebhookBadSignatureRejectedBeforeLedgerAccess(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	srv := newWebhookServer(t, store)

	body := signedPayload("wrong-key", "ORD1", "200", "50000", "settlement", "accept")
	resp, _ := postWebhook(t, srv.URL, body)

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, store.findCalls, "rejected before any ledger read")
	assert.NotNil(t, store.member("01HVMEMBER").PendingCharge)
}

func TestWebhookSignatureOverTamperedAmount(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	srv := newWebhookServer(t, store)

	// Signature computed for the genuine amount, body carries another.
	payload := map[string]string{
		"order_id":           "ORD1",
		"status_code":        "200",
		"gross_amount":       "1",
		"transaction_status": "settlement",
		"fraud_status":       "accept",
		"signature_key":      gateway.Signature("ORD1", "200", "50000", testServerKey),
	}
	body, _ := json.Marshal(payload)

	resp, _ := postWebhook(t, srv.URL, body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, store.history)
}

func TestWebhookMalformedPayload(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	srv := newWebhookServer(t, store)

	tests := []struct {
		name string
		body []byte
	}{
		{"invalid json", []byte(`{"order_id": `)},
		{"missing fields", []byte(`{"order_id": "ORD1"}`)},
		{"unknown transaction status", signedPayload(testServerKey, "ORD1", "200", "50000", "refunded", "accept")},
		{"non hex signature", []byte(`{"order_id":"ORD1","status_code":"200","gross_amount":"50000","transaction_status":"settlement","signature_key":"zzzz"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := postWebhook(t, srv.URL, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, store.findCalls)
}

func TestWebhookUnknownOrderAcknowledged(t *testing.T) {
	store := newMemStore()
	srv := newWebhookServer(t, store)

	body := signedPayload(testServerKey, "ORD-GONE", "200", "50000", "settlement", "accept")
	resp, data := postWebhook(t, srv.URL, body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(OutcomeNotFound), data["outcome"])
}

func TestWebhookExpiryReleasesCharge(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	srv := newWebhookServer(t, store)

	body := signedPayload(testServerKey, "ORD1", "407", "50000", "expire", "")
	resp, data := postWebhook(t, srv.URL, body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(OutcomeVoided), data["outcome"])

	m := store.member("01HVMEMBER")
	assert.Nil(t, m.PendingCharge)
	assert.Equal(t, []string{"2024-01", "2024-02"}, m.Arrears)
}

func TestWebhookTransientFailureAsks503(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	store.findErr = fmt.Errorf("connection reset")
	srv := newWebhookServer(t, store)

	body := signedPayload(testServerKey, "ORD1", "200", "50000", "settlement", "accept")
	resp, _ := postWebhook(t, srv.URL, body)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebhookRejectsGet(t *testing.T) {
	srv := newWebhookServer(t, newMemStore())

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
