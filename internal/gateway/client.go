package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"duespay/internal/common/money"
)

// Config holds gateway configuration. ServerKey is the shared secret
// used both for charge authorization and notification signatures; it
// must never be logged.
type Config struct {
	BaseURL   string        `envconfig:"GATEWAY_BASE_URL" default:"https://api.sandbox.midtrans.com/v2"`
	ServerKey string        `envconfig:"GATEWAY_SERVER_KEY" required:"true"`
	Timeout   time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
}

// Client calls the payment gateway's charge API.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new gateway client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// ChargeRequest describes a QR/deeplink charge to create.
type ChargeRequest struct {
	OrderID      string
	Amount       money.Money
	PaymentType  string // "gopay" or "qris"
	CustomerName string
}

// ChargeInfo is the subset of the gateway's charge response the app
// needs to present the payment to the user.
type ChargeInfo struct {
	OrderID     string `json:"order_id"`
	QRCodeURL   string `json:"qr_code_url,omitempty"`
	DeeplinkURL string `json:"deeplink_url,omitempty"`
	ExpiryTime  string `json:"expiry_time,omitempty"`
}

// chargeBody is the gateway charge API request body.
type chargeBody struct {
	PaymentType        string             `json:"payment_type"`
	TransactionDetails transactionDetails `json:"transaction_details"`
	CustomerDetails    customerDetails    `json:"customer_details"`
}

type transactionDetails struct {
	OrderID     string `json:"order_id"`
	GrossAmount int64  `json:"gross_amount"`
}

type customerDetails struct {
	FirstName string `json:"first_name"`
}

// chargeResponse is the gateway charge API response body.
type chargeResponse struct {
	StatusCode    string   `json:"status_code"`
	StatusMessage string   `json:"status_message"`
	OrderID       string   `json:"order_id"`
	ExpiryTime    string   `json:"expiry_time"`
	Actions       []action `json:"actions"`
}

type action struct {
	Name   string `json:"name"`
	Method string `json:"method"`
	URL    string `json:"url"`
}

// Action names the gateway returns for QR/deeplink charges.
const (
	actionGenerateQR       = "generate-qr-code"
	actionDeeplinkRedirect = "deeplink-redirect"
)

// Charge creates a charge at the gateway and extracts the QR-code and
// deeplink URLs from the response actions.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*ChargeInfo, error) {
	body, err := json.Marshal(chargeBody{
		PaymentType: req.PaymentType,
		TransactionDetails: transactionDetails{
			OrderID:     req.OrderID,
			GrossAmount: req.Amount.AmountMinor,
		},
		CustomerDetails: customerDetails{
			FirstName: req.CustomerName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal charge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/charge", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Basic "+basicAuth(c.config.ServerKey))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp chargeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		msg := resp.StatusMessage
		if msg == "" {
			msg = string(respBody)
		}
		return nil, fmt.Errorf("gateway charge failed: status=%d message=%s", httpResp.StatusCode, msg)
	}

	info := &ChargeInfo{
		OrderID:    req.OrderID,
		ExpiryTime: resp.ExpiryTime,
	}
	for _, a := range resp.Actions {
		switch a.Name {
		case actionGenerateQR:
			info.QRCodeURL = a.URL
		case actionDeeplinkRedirect:
			info.DeeplinkURL = a.URL
		}
	}

	c.logger.Info("gateway charge created",
		"order_id", req.OrderID,
		"payment_type", req.PaymentType,
		"amount", req.Amount.AmountMinor,
	)

	return info, nil
}

// basicAuth builds the gateway's Basic credential: base64(serverKey + ":").
func basicAuth(serverKey string) string {
	return base64.StdEncoding.EncodeToString([]byte(serverKey + ":"))
}
