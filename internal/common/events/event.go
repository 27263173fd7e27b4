// Package events defines the event envelope and payloads published to NATS.
package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"duespay/internal/common/money"
)

// NATS subjects for dues payment events
const (
	SubjectChargeCreated  = "dues.charge.created"
	SubjectPaymentSettled = "dues.payment.settled"
	SubjectPaymentFlagged = "dues.payment.flagged"
	SubjectPaymentVoided  = "dues.payment.voided"
)

// EventType identifies the type of event.
type EventType string

const (
	EventChargeCreated  EventType = "dues.charge.created"
	EventPaymentSettled EventType = "dues.payment.settled"
	EventPaymentFlagged EventType = "dues.payment.flagged"
	EventPaymentVoided  EventType = "dues.payment.voided"
)

// Envelope wraps all events with common metadata.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates a new event envelope.
func NewEnvelope(eventType EventType, correlationID string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          jsonData,
	}, nil
}

// DecodeData decodes the envelope data into a struct.
func (e *Envelope) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// ChargeCreatedEvent is published when a QR/deeplink charge is issued.
type ChargeCreatedEvent struct {
	OrderID  string      `json:"order_id"`
	MemberID string      `json:"member_id"`
	Amount   money.Money `json:"amount"`
	Method   string      `json:"method"`
	Periods  []string    `json:"periods"`
}

// PaymentSettledEvent is published after a settlement is applied to the
// ledger.
type PaymentSettledEvent struct {
	OrderID  string      `json:"order_id"`
	MemberID string      `json:"member_id"`
	Amount   money.Money `json:"amount"`
	Method   string      `json:"method"`
	Periods  []string    `json:"periods"`
	PaidAt   time.Time   `json:"paid_at"`
}

// PaymentFlaggedEvent is published when a settlement notification fails
// fraud screening and is rejected without a ledger change.
type PaymentFlaggedEvent struct {
	OrderID     string `json:"order_id"`
	MemberID    string `json:"member_id"`
	FraudStatus string `json:"fraud_status"`
}

// PaymentVoidedEvent is published when a charge reaches a terminal
// non-payment state and its pending charge is released.
type PaymentVoidedEvent struct {
	OrderID           string `json:"order_id"`
	MemberID          string `json:"member_id"`
	TransactionStatus string `json:"transaction_status"`
}
