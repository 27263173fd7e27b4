// Package gateway integrates with the QR/deeplink payment gateway: the
// outbound charge API and the inbound notification contract.
package gateway

// TransactionStatus is the gateway's transaction state.
type TransactionStatus string

const (
	TxPending    TransactionStatus = "pending"
	TxSettlement TransactionStatus = "settlement"
	TxDeny       TransactionStatus = "deny"
	TxCancel     TransactionStatus = "cancel"
	TxExpire     TransactionStatus = "expire"
	TxFailure    TransactionStatus = "failure"
)

// FraudStatus is the gateway's fraud screening result.
type FraudStatus string

const (
	FraudAccept    FraudStatus = "accept"
	FraudChallenge FraudStatus = "challenge"
	FraudDeny      FraudStatus = "deny"
)

// Notification is the asynchronous payment-status callback delivered by
// the gateway. It is untrusted until its signature has been verified.
//
// GrossAmount stays the exact string the gateway signed; any
// normalization would break signature verification.
type Notification struct {
	OrderID           string            `json:"order_id" validate:"required"`
	StatusCode        string            `json:"status_code" validate:"required"`
	GrossAmount       string            `json:"gross_amount" validate:"required"`
	TransactionStatus TransactionStatus `json:"transaction_status" validate:"required,oneof=pending settlement deny cancel expire failure"`
	FraudStatus       FraudStatus       `json:"fraud_status" validate:"omitempty,oneof=accept challenge deny"`
	SignatureKey      string            `json:"signature_key" validate:"required,hexadecimal"`

	// Informational fields, not part of the signature.
	TransactionID   string `json:"transaction_id,omitempty"`
	PaymentType     string `json:"payment_type,omitempty"`
	TransactionTime string `json:"transaction_time,omitempty"`
}

// IsTerminalFailure reports whether the status means the charge will
// never settle.
func (s TransactionStatus) IsTerminalFailure() bool {
	switch s {
	case TxDeny, TxCancel, TxExpire, TxFailure:
		return true
	}
	return false
}
