// Package ledger orchestrates the member dues ledger: member
// registration, dues assignment, charge creation and history reads.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"duespay/internal/common/database"
	"duespay/internal/common/events"
	"duespay/internal/common/money"
	"duespay/internal/gateway"
	"duespay/internal/ledger/domain"
)

// Store persists members and payment history.
type Store interface {
	CreateMember(ctx context.Context, m *domain.Member) error
	GetMember(ctx context.Context, id string) (*domain.Member, error)
	ListMembers(ctx context.Context, limit, offset int) ([]*domain.Member, int64, error)
	UpdateArrears(ctx context.Context, m *domain.Member) error
	SetPendingCharge(ctx context.Context, m *domain.Member) error
	ClearPendingCharge(ctx context.Context, m *domain.Member) error
	ListPayments(ctx context.Context, memberID string, limit, offset int) ([]*domain.PaymentRecord, int64, error)
}

// ChargeClient creates charges at the payment gateway.
type ChargeClient interface {
	Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeInfo, error)
}

// Publisher publishes events to NATS. A nil publisher disables events.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *events.Envelope) error
}

// Service provides ledger operations
type Service struct {
	store     Store
	gateway   ChargeClient
	publisher Publisher
	currency  money.Currency
	logger    *slog.Logger
}

// NewService creates a new ledger service
func NewService(store Store, gw ChargeClient, publisher Publisher, currency money.Currency, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		gateway:   gw,
		publisher: publisher,
		currency:  currency,
		logger:    logger,
	}
}

// RegisterMemberRequest is the request to register a member.
type RegisterMemberRequest struct {
	Name    string   `json:"name" validate:"required,max=255"`
	Arrears []string `json:"arrears" validate:"dive,len=7"`
}

// RegisterMember creates a new member with an initial outstanding set.
func (s *Service) RegisterMember(ctx context.Context, req RegisterMemberRequest) (*domain.Member, error) {
	id := ulid.Make().String()

	member, err := domain.NewMember(id, req.Name, req.Arrears)
	if err != nil {
		return nil, fmt.Errorf("creating member: %w", err)
	}

	if err := s.store.CreateMember(ctx, member); err != nil {
		return nil, err
	}

	s.logger.Info("member registered",
		"member_id", member.ID,
		"arrears", len(member.Arrears),
	)

	return member, nil
}

// GetMember retrieves a member ledger by ID
func (s *Service) GetMember(ctx context.Context, id string) (*domain.Member, error) {
	return s.store.GetMember(ctx, id)
}

// ListMembers lists members
func (s *Service) ListMembers(ctx context.Context, limit, offset int) ([]*domain.Member, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.store.ListMembers(ctx, limit, offset)
}

// AddDues adds outstanding periods to a member's ledger. The write is
// retried on conflict with a fresh read each attempt.
func (s *Service) AddDues(ctx context.Context, memberID string, periods []string) (*domain.Member, error) {
	var member *domain.Member
	err := database.Retry(ctx, 3, func() error {
		m, err := s.store.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		if err := m.AddArrears(periods); err != nil {
			return err
		}
		if err := s.store.UpdateArrears(ctx, m); err != nil {
			return err
		}
		member = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("dues added",
		"member_id", memberID,
		"periods", periods,
	)

	return member, nil
}

// CreateChargeRequest is the request to open a QR/deeplink charge.
type CreateChargeRequest struct {
	AmountMinor int64    `json:"amount_minor" validate:"required,gt=0"`
	Periods     []string `json:"periods" validate:"required,min=1,dive,len=7"`
	Method      string   `json:"method" validate:"required,oneof=gopay qris"`
}

// CreateCharge opens a charge for a member: the pending charge is
// reserved first (conditional write), then the gateway charge is
// created. A gateway failure releases the reservation.
func (s *Service) CreateCharge(ctx context.Context, memberID string, req CreateChargeRequest) (*gateway.ChargeInfo, error) {
	member, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	orderID := fmt.Sprintf("DUES-%s", ulid.Make().String())
	amount := money.New(req.AmountMinor, s.currency)

	if err := member.OpenCharge(orderID, amount, req.Periods, req.Method); err != nil {
		return nil, fmt.Errorf("opening charge: %w", err)
	}

	if err := s.store.SetPendingCharge(ctx, member); err != nil {
		return nil, err
	}

	info, err := s.gateway.Charge(ctx, gateway.ChargeRequest{
		OrderID:      orderID,
		Amount:       amount,
		PaymentType:  req.Method,
		CustomerName: member.Name,
	})
	if err != nil {
		// Release the reservation so the member can retry.
		if clearErr := s.store.ClearPendingCharge(ctx, member); clearErr != nil {
			s.logger.Error("failed to release pending charge after gateway error",
				"member_id", memberID,
				"order_id", orderID,
				"error", clearErr,
			)
		}
		return nil, fmt.Errorf("gateway charge: %w", err)
	}

	s.publishChargeCreated(ctx, member, orderID, amount, req)

	s.logger.Info("charge created",
		"member_id", memberID,
		"order_id", orderID,
		"amount", amount.AmountMinor,
		"method", req.Method,
	)

	return info, nil
}

// ListPayments retrieves a member's payment history
func (s *Service) ListPayments(ctx context.Context, memberID string, limit, offset int) ([]*domain.PaymentRecord, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if _, err := s.store.GetMember(ctx, memberID); err != nil {
		return nil, 0, err
	}
	return s.store.ListPayments(ctx, memberID, limit, offset)
}

func (s *Service) publishChargeCreated(ctx context.Context, member *domain.Member, orderID string, amount money.Money, req CreateChargeRequest) {
	if s.publisher == nil {
		return
	}

	event := events.ChargeCreatedEvent{
		OrderID:  orderID,
		MemberID: member.ID,
		Amount:   amount,
		Method:   req.Method,
		Periods:  req.Periods,
	}
	env, err := events.NewEnvelope(events.EventChargeCreated, orderID, event)
	if err != nil {
		s.logger.Error("failed to create charge event envelope", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, events.SubjectChargeCreated, env); err != nil {
		s.logger.Error("failed to publish charge event", "error", err)
	}
}
