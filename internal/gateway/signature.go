package gateway

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
)

// Signature computes the keyed digest the gateway signs notifications
// with: hex(sha512(orderId + statusCode + grossAmount + serverKey)).
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

// VerifySignature recomputes the notification digest and compares it
// byte-exact against the supplied one. The comparison is constant-time
// so a forger learns nothing from response latency.
func VerifySignature(n *Notification, serverKey string) bool {
	expected := Signature(n.OrderID, n.StatusCode, n.GrossAmount, serverKey)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(n.SignatureKey)) == 1
}
