// Package domain contains the member dues ledger types.
package domain

import (
	"errors"
	"fmt"
	"time"

	"duespay/internal/common/money"
)

// PeriodLayout is the layout for dues period labels, e.g. "2024-01".
const PeriodLayout = "2006-01"

// Member is a dues-paying member and the sole source of truth for their
// ledger: the outstanding dues periods, the payment history (stored
// separately, append-only) and at most one in-flight charge.
type Member struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Arrears       []string       `json:"arrears"`
	PendingCharge *PendingCharge `json:"pending_charge,omitempty"`

	// Version is the optimistic-concurrency token; every write to the
	// member row is conditioned on it.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingCharge is an in-flight charge awaiting gateway confirmation.
type PendingCharge struct {
	OrderID   string      `json:"order_id"`
	Amount    money.Money `json:"amount"`
	Periods   []string    `json:"periods"`
	Method    string      `json:"method"`
	CreatedAt time.Time   `json:"created_at"`
}

// PaymentRecord is one settled payment. Records are immutable once
// appended; their order is the settlement order.
type PaymentRecord struct {
	ID       string      `json:"id"`
	MemberID string      `json:"member_id"`
	OrderID  string      `json:"order_id"`
	Amount   money.Money `json:"amount"`
	Method   string      `json:"method"`
	Periods  []string    `json:"periods"`
	PaidAt   time.Time   `json:"paid_at"`
}

// NewMember creates a member with an initial set of outstanding periods.
func NewMember(id, name string, arrears []string) (*Member, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if name == "" {
		return nil, errors.New("name is required")
	}
	periods, err := normalizePeriods(arrears)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Member{
		ID:        id,
		Name:      name,
		Arrears:   periods,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// HasPendingCharge reports whether the member has an in-flight charge.
func (m *Member) HasPendingCharge() bool {
	return m.PendingCharge != nil
}

// AddArrears appends outstanding periods. Periods already outstanding
// or covered by the pending charge are rejected.
func (m *Member) AddArrears(periods []string) error {
	added, err := normalizePeriods(periods)
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return errors.New("at least one period is required")
	}
	for _, p := range added {
		if containsPeriod(m.Arrears, p) {
			return fmt.Errorf("period %s is already outstanding", p)
		}
		if m.PendingCharge != nil && containsPeriod(m.PendingCharge.Periods, p) {
			return fmt.Errorf("period %s is covered by the pending charge", p)
		}
	}
	m.Arrears = append(m.Arrears, added...)
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// OpenCharge attaches a pending charge for a subset of the outstanding
// periods. A member carries at most one pending charge at a time.
func (m *Member) OpenCharge(orderID string, amount money.Money, periods []string, method string) error {
	if m.PendingCharge != nil {
		return errors.New("member already has a pending charge")
	}
	if orderID == "" {
		return errors.New("order id is required")
	}
	if !amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	covered, err := normalizePeriods(periods)
	if err != nil {
		return err
	}
	if len(covered) == 0 {
		return errors.New("at least one period is required")
	}
	for _, p := range covered {
		if !containsPeriod(m.Arrears, p) {
			return fmt.Errorf("period %s is not outstanding", p)
		}
	}

	m.PendingCharge = &PendingCharge{
		OrderID:   orderID,
		Amount:    amount,
		Periods:   covered,
		Method:    method,
		CreatedAt: time.Now().UTC(),
	}
	m.UpdatedAt = m.PendingCharge.CreatedAt
	return nil
}

// SettlePending applies the pending charge as a settled payment: every
// covered period leaves the outstanding set, a payment record is
// produced for appending to the history, and the pending charge is
// cleared. The caller persists all three as one atomic write.
func (m *Member) SettlePending(recordID string, paidAt time.Time) (*PaymentRecord, error) {
	if m.PendingCharge == nil {
		return nil, errors.New("member has no pending charge")
	}

	pc := m.PendingCharge
	remaining := make([]string, 0, len(m.Arrears))
	for _, p := range m.Arrears {
		if !containsPeriod(pc.Periods, p) {
			remaining = append(remaining, p)
		}
	}

	record := &PaymentRecord{
		ID:       recordID,
		MemberID: m.ID,
		OrderID:  pc.OrderID,
		Amount:   pc.Amount,
		Method:   pc.Method,
		Periods:  pc.Periods,
		PaidAt:   paidAt,
	}

	m.Arrears = remaining
	m.PendingCharge = nil
	m.UpdatedAt = paidAt
	return record, nil
}

// VoidPending releases the pending charge without touching the ledger,
// so a new charge can be issued for the same periods.
func (m *Member) VoidPending() error {
	if m.PendingCharge == nil {
		return errors.New("member has no pending charge")
	}
	m.PendingCharge = nil
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func normalizePeriods(periods []string) ([]string, error) {
	out := make([]string, 0, len(periods))
	for _, p := range periods {
		if _, err := time.Parse(PeriodLayout, p); err != nil {
			return nil, fmt.Errorf("invalid period %q: want YYYY-MM", p)
		}
		if containsPeriod(out, p) {
			return nil, fmt.Errorf("duplicate period %s", p)
		}
		out = append(out, p)
	}
	return out, nil
}

func containsPeriod(periods []string, p string) bool {
	for _, q := range periods {
		if q == p {
			return true
		}
	}
	return false
}
