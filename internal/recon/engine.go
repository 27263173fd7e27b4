// Package recon implements the webhook reconciliation engine: it
// authenticates gateway notifications, matches them to pending charges
// and applies settlements to the member ledger exactly once.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"duespay/internal/common/database"
	"duespay/internal/common/events"
	"duespay/internal/gateway"
	"duespay/internal/ledger/domain"
)

// Action is the state machine's decision for a notification.
type Action int

const (
	// ActionApply settles the pending charge against the ledger.
	ActionApply Action = iota
	// ActionReject acknowledges but flags the payment; no ledger change.
	ActionReject
	// ActionIgnore acknowledges and waits for the next notification.
	ActionIgnore
	// ActionVoid acknowledges and releases the pending charge so a new
	// charge can be issued.
	ActionVoid
)

// Decide maps (transaction status, fraud status) to an action.
// Only settlement+accept mutates the ledger.
func Decide(tx gateway.TransactionStatus, fraud gateway.FraudStatus) Action {
	switch {
	case tx == gateway.TxSettlement && fraud == gateway.FraudAccept:
		return ActionApply
	case tx == gateway.TxSettlement:
		return ActionReject
	case tx.IsTerminalFailure():
		return ActionVoid
	default:
		return ActionIgnore
	}
}

// Outcome is the terminal result of processing one notification.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeFlagged  Outcome = "flagged"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeVoided   Outcome = "voided"
	OutcomeNotFound Outcome = "not_found"
)

// Store is the ledger access the engine needs.
type Store interface {
	FindByOrderID(ctx context.Context, orderID string) (*domain.Member, error)
	ApplySettlement(ctx context.Context, m *domain.Member, record *domain.PaymentRecord) error
	ClearPendingCharge(ctx context.Context, m *domain.Member) error
}

// Publisher publishes events to NATS. A nil publisher disables events.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *events.Envelope) error
}

// Config holds engine configuration.
type Config struct {
	// MaxApplyAttempts bounds the read-verify-apply retries when a
	// concurrent writer wins the conditional write.
	MaxApplyAttempts int `envconfig:"RECON_MAX_APPLY_ATTEMPTS" default:"3"`
}

// Engine reconciles verified notifications against the ledger.
type Engine struct {
	store       Store
	publisher   Publisher
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates a new reconciliation engine.
func NewEngine(cfg Config, store Store, publisher Publisher, logger *slog.Logger) *Engine {
	maxAttempts := cfg.MaxApplyAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Engine{
		store:       store,
		publisher:   publisher,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Process reconciles one verified notification. The full
// read-decide-apply cycle reruns on write conflicts, bounded by the
// attempt budget; a budget overrun surfaces as a transient error so the
// gateway redelivers. Every returned error is transient or internal —
// all business outcomes are Outcomes.
func (e *Engine) Process(ctx context.Context, n *gateway.Notification) (Outcome, error) {
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		member, err := e.store.FindByOrderID(ctx, n.OrderID)
		if database.IsNotFound(err) {
			// Replays for already-settled or abandoned charges land
			// here; a safe no-op however often they repeat.
			e.logger.Info("no pending charge for order",
				"order_id", n.OrderID,
				"transaction_status", n.TransactionStatus,
			)
			return OutcomeNotFound, nil
		}
		if err != nil {
			return "", fmt.Errorf("locating pending charge: %w", err)
		}

		switch Decide(n.TransactionStatus, n.FraudStatus) {
		case ActionApply:
			outcome, err := e.apply(ctx, member, n)
			if database.IsConflict(err) {
				e.logger.Warn("settlement write conflicted, retrying",
					"order_id", n.OrderID,
					"attempt", attempt,
				)
				continue
			}
			return outcome, err

		case ActionReject:
			e.logger.Warn("settlement flagged by fraud screening",
				"order_id", n.OrderID,
				"member_id", member.ID,
				"fraud_status", n.FraudStatus,
			)
			e.publish(ctx, events.EventPaymentFlagged, events.SubjectPaymentFlagged, n.OrderID,
				events.PaymentFlaggedEvent{
					OrderID:     n.OrderID,
					MemberID:    member.ID,
					FraudStatus: string(n.FraudStatus),
				})
			return OutcomeFlagged, nil

		case ActionVoid:
			outcome, err := e.void(ctx, member, n)
			if database.IsConflict(err) {
				e.logger.Warn("charge release conflicted, retrying",
					"order_id", n.OrderID,
					"attempt", attempt,
				)
				continue
			}
			return outcome, err

		default:
			e.logger.Info("notification acknowledged without action",
				"order_id", n.OrderID,
				"transaction_status", n.TransactionStatus,
			)
			return OutcomeIgnored, nil
		}
	}

	return "", fmt.Errorf("order %s: retry budget exhausted: %w", n.OrderID, database.ErrConflict)
}

func (e *Engine) apply(ctx context.Context, member *domain.Member, n *gateway.Notification) (Outcome, error) {
	record, err := member.SettlePending(ulid.Make().String(), e.now())
	if err != nil {
		// The locator matched on the pending order id, so the charge
		// must still be attached.
		return "", fmt.Errorf("settling pending charge: %w", err)
	}

	if err := e.store.ApplySettlement(ctx, member, record); err != nil {
		if database.IsConflict(err) {
			return "", err
		}
		return "", fmt.Errorf("applying settlement: %w", err)
	}

	e.logger.Info("settlement applied",
		"order_id", n.OrderID,
		"member_id", member.ID,
		"amount", record.Amount.AmountMinor,
		"periods", record.Periods,
	)

	e.publish(ctx, events.EventPaymentSettled, events.SubjectPaymentSettled, n.OrderID,
		events.PaymentSettledEvent{
			OrderID:  record.OrderID,
			MemberID: record.MemberID,
			Amount:   record.Amount,
			Method:   record.Method,
			Periods:  record.Periods,
			PaidAt:   record.PaidAt,
		})

	return OutcomeApplied, nil
}

func (e *Engine) void(ctx context.Context, member *domain.Member, n *gateway.Notification) (Outcome, error) {
	if err := member.VoidPending(); err != nil {
		return "", fmt.Errorf("voiding pending charge: %w", err)
	}

	if err := e.store.ClearPendingCharge(ctx, member); err != nil {
		if database.IsConflict(err) {
			return "", err
		}
		return "", fmt.Errorf("clearing pending charge: %w", err)
	}

	e.logger.Info("pending charge released",
		"order_id", n.OrderID,
		"member_id", member.ID,
		"transaction_status", n.TransactionStatus,
	)

	e.publish(ctx, events.EventPaymentVoided, events.SubjectPaymentVoided, n.OrderID,
		events.PaymentVoidedEvent{
			OrderID:           n.OrderID,
			MemberID:          member.ID,
			TransactionStatus: string(n.TransactionStatus),
		})

	return OutcomeVoided, nil
}

func (e *Engine) publish(ctx context.Context, eventType events.EventType, subject, correlationID string, data any) {
	if e.publisher == nil {
		return
	}

	env, err := events.NewEnvelope(eventType, correlationID, data)
	if err != nil {
		e.logger.Error("failed to create event envelope", "error", err, "type", eventType)
		return
	}
	if err := e.publisher.Publish(ctx, subject, env); err != nil {
		e.logger.Error("failed to publish event", "error", err, "type", eventType)
	}
}
