package recon

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"duespay/internal/common/api"
	"duespay/internal/gateway"
)

// WebhookHandler receives payment-status notifications from the gateway
// and feeds verified ones to the reconciliation engine.
//
// Response contract: 200 acknowledges every terminal outcome (applied,
// flagged, ignored, voided, not found); 403 rejects a bad signature;
// 400 rejects a malformed payload; 5xx is reserved for transient store
// failures so the gateway redelivers.
type WebhookHandler struct {
	engine    *Engine
	serverKey string
	logger    *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(engine *Engine, serverKey string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		engine:    engine,
		serverKey: serverKey,
		logger:    logger,
	}
}

// ServeHTTP handles incoming gateway notifications.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		api.BadRequest(w, "failed to read body")
		return
	}
	defer r.Body.Close()

	var notification gateway.Notification
	if err := json.Unmarshal(body, &notification); err != nil {
		h.logger.Error("failed to parse webhook payload", "error", err, "body", string(body))
		api.BadRequest(w, "invalid json")
		return
	}

	if err := api.Validate.Struct(&notification); err != nil {
		h.logger.Error("malformed webhook payload",
			"error", err,
			"order_id", notification.OrderID,
		)
		api.ValidationError(w, err)
		return
	}

	// Authentication precedes any ledger access.
	if !gateway.VerifySignature(&notification, h.serverKey) {
		h.logger.Warn("webhook signature mismatch",
			"order_id", notification.OrderID,
			"status_code", notification.StatusCode,
		)
		api.Forbidden(w, "invalid signature")
		return
	}

	h.logger.Info("received gateway notification",
		"order_id", notification.OrderID,
		"transaction_status", notification.TransactionStatus,
		"fraud_status", notification.FraudStatus,
	)

	outcome, err := h.engine.Process(ctx, &notification)
	if err != nil {
		h.logger.Error("reconciliation failed",
			"order_id", notification.OrderID,
			"error", err,
		)
		api.Unavailable(w, "reconciliation failed, retry later")
		return
	}

	api.WriteData(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"outcome": string(outcome),
	})
}
