package recon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duespay/internal/common/database"
	"duespay/internal/common/events"
	"duespay/internal/common/money"
	"duespay/internal/gateway"
	"duespay/internal/ledger/domain"
)

// memStore is an in-memory Store with the same optimistic-concurrency
// semantics as the Postgres store: conditional writes keyed on the
// version the member was read at.
type memStore struct {
	mu      sync.Mutex
	members map[string]*domain.Member
	history []*domain.PaymentRecord

	findCalls      int
	applyConflicts int // fail this many ApplySettlement calls first
	clearConflicts int
	findErr        error
}

func newMemStore(members ...*domain.Member) *memStore {
	s := &memStore{members: make(map[string]*domain.Member)}
	for _, m := range members {
		s.members[m.ID] = cloneMember(m)
	}
	return s
}

func (s *memStore) FindByOrderID(ctx context.Context, orderID string) (*domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	for _, m := range s.members {
		if m.PendingCharge != nil && m.PendingCharge.OrderID == orderID {
			return cloneMember(m), nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memStore) ApplySettlement(ctx context.Context, m *domain.Member, record *domain.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applyConflicts > 0 {
		s.applyConflicts--
		return fmt.Errorf("member %s changed since read: %w", m.ID, database.ErrConflict)
	}

	stored, ok := s.members[m.ID]
	if !ok || stored.Version != m.Version {
		return fmt.Errorf("member %s changed since read: %w", m.ID, database.ErrConflict)
	}

	next := cloneMember(m)
	next.Version = stored.Version + 1
	s.members[m.ID] = next
	s.history = append(s.history, record)
	m.Version++
	return nil
}

func (s *memStore) ClearPendingCharge(ctx context.Context, m *domain.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clearConflicts > 0 {
		s.clearConflicts--
		return fmt.Errorf("member %s changed since read: %w", m.ID, database.ErrConflict)
	}

	stored, ok := s.members[m.ID]
	if !ok || stored.Version != m.Version {
		return fmt.Errorf("member %s changed since read: %w", m.ID, database.ErrConflict)
	}

	next := cloneMember(m)
	next.PendingCharge = nil
	next.Version = stored.Version + 1
	s.members[m.ID] = next
	m.Version++
	return nil
}

func (s *memStore) member(id string) *domain.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMember(s.members[id])
}

func cloneMember(m *domain.Member) *domain.Member {
	if m == nil {
		return nil
	}
	out := *m
	out.Arrears = append([]string(nil), m.Arrears...)
	if m.PendingCharge != nil {
		pc := *m.PendingCharge
		pc.Periods = append([]string(nil), m.PendingCharge.Periods...)
		out.PendingCharge = &pc
	}
	return &out
}

// memPublisher records published envelopes.
type memPublisher struct {
	mu        sync.Mutex
	envelopes []*events.Envelope
	subjects  []string
}

func (p *memPublisher) Publish(ctx context.Context, subject string, env *events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
	p.subjects = append(p.subjects, subject)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memberWithPending(t *testing.T) *domain.Member {
	t.Helper()
	m, err := domain.NewMember("01HVMEMBER", "Budi", []string{"2024-01", "2024-02"})
	require.NoError(t, err)
	require.NoError(t, m.OpenCharge("ORD1", money.New(50000, money.IDR), []string{"2024-01"}, "gopay"))
	return m
}

func settlementNotification(orderID string) *gateway.Notification {
	return &gateway.Notification{
		OrderID:           orderID,
		StatusCode:        "200",
		GrossAmount:       "50000",
		TransactionStatus: gateway.TxSettlement,
		FraudStatus:       gateway.FraudAccept,
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		tx    gateway.TransactionStatus
		fraud gateway.FraudStatus
		want  Action
	}{
		{gateway.TxSettlement, gateway.FraudAccept, ActionApply},
		{gateway.TxSettlement, gateway.FraudChallenge, ActionReject},
		{gateway.TxSettlement, gateway.FraudDeny, ActionReject},
		{gateway.TxSettlement, "", ActionReject},
		{gateway.TxPending, gateway.FraudAccept, ActionIgnore},
		{gateway.TxPending, "", ActionIgnore},
		{gateway.TxDeny, gateway.FraudAccept, ActionVoid},
		{gateway.TxCancel, "", ActionVoid},
		{gateway.TxExpire, "", ActionVoid},
		{gateway.TxFailure, gateway.FraudDeny, ActionVoid},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.tx, tt.fraud), func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.tx, tt.fraud))
		})
	}
}

func TestProcessApply(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	pub := &memPublisher{}
	engine := NewEngine(Config{}, store, pub, testLogger())

	outcome, err := engine.Process(context.Background(), settlementNotification("ORD1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	m := store.member("01HVMEMBER")
	assert.Equal(t, []string{"2024-02"}, m.Arrears)
	assert.Nil(t, m.PendingCharge)

	require.Len(t, store.history, 1)
	record := store.history[0]
	assert.Equal(t, "ORD1", record.OrderID)
	assert.Equal(t, int64(50000), record.Amount.AmountMinor)
	assert.Equal(t, []string{"2024-01"}, record.Periods)

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, events.SubjectPaymentSettled, pub.subjects[0])
}

func TestProcessDuplicateDeliveryIsNoOp(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	engine := NewEngine(Config{}, store, nil, testLogger())

	outcome, err := engine.Process(context.Background(), settlementNotification("ORD1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	// The pending charge is gone, so the redelivery short-circuits.
	outcome, err = engine.Process(context.Background(), settlementNotification("ORD1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, outcome)

	assert.Len(t, store.history, 1, "ledger mutated exactly once")
	assert.Equal(t, []string{"2024-02"}, store.member("01HVMEMBER").Arrears)
}

func TestProcessUnknownOrderIsRepeatable(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(Config{}, store, nil, testLogger())

	for i := 0; i < 3; i++ {
		outcome, err := engine.Process(context.Background(), settlementNotification("ORD-UNKNOWN"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotFound, outcome)
	}
	assert.Empty(t, store.history)
}

func TestProcessFlaggedSettlement(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	pub := &memPublisher{}
	engine := NewEngine(Config{}, store, pub, testLogger())

	n := settlementNotification("ORD1")
	n.FraudStatus = gateway.FraudChallenge

	outcome, err := engine.Process(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFlagged, outcome)

	// No ledger change: debt, history and pending charge untouched.
	m := store.member("01HVMEMBER")
	assert.Equal(t, []string{"2024-01", "2024-02"}, m.Arrears)
	assert.NotNil(t, m.PendingCharge)
	assert.Empty(t, store.history)

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, events.SubjectPaymentFlagged, pub.subjects[0])
}

func TestProcessPendingIsIgnored(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	engine := NewEngine(Config{}, store, nil, testLogger())

	n := settlementNotification("ORD1")
	n.TransactionStatus = gateway.TxPending
	n.FraudStatus = ""

	outcome, err := engine.Process(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.NotNil(t, store.member("01HVMEMBER").PendingCharge)
}

func TestProcessExpireReleasesCharge(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	pub := &memPublisher{}
	engine := NewEngine(Config{}, store, pub, testLogger())

	n := settlementNotification("ORD1")
	n.TransactionStatus = gateway.TxExpire
	n.FraudStatus = ""

	outcome, err := engine.Process(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeVoided, outcome)

	m := store.member("01HVMEMBER")
	assert.Nil(t, m.PendingCharge)
	assert.Equal(t, []string{"2024-01", "2024-02"}, m.Arrears, "debt stays outstanding")
	assert.Empty(t, store.history)

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, events.SubjectPaymentVoided, pub.subjects[0])
}

func TestProcessRetriesOnConflict(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	store.applyConflicts = 1
	engine := NewEngine(Config{MaxApplyAttempts: 3}, store, nil, testLogger())

	outcome, err := engine.Process(context.Background(), settlementNotification("ORD1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Len(t, store.history, 1)
	assert.Equal(t, 2, store.findCalls, "conflict triggers a fresh read")
}

func TestProcessConflictBudgetExhausted(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	store.applyConflicts = 3
	engine := NewEngine(Config{MaxApplyAttempts: 3}, store, nil, testLogger())

	_, err := engine.Process(context.Background(), settlementNotification("ORD1"))
	require.Error(t, err)
	assert.True(t, database.IsConflict(err))
	assert.Empty(t, store.history)
}

func TestProcessStoreFailureIsTransient(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	store.findErr = fmt.Errorf("connection refused")
	engine := NewEngine(Config{}, store, nil, testLogger())

	_, err := engine.Process(context.Background(), settlementNotification("ORD1"))
	require.Error(t, err)
	assert.Empty(t, store.history)
}

func TestProcessConcurrentSameOrder(t *testing.T) {
	store := newMemStore(memberWithPending(t))
	engine := NewEngine(Config{MaxApplyAttempts: 3}, store, nil, testLogger())

	n := settlementNotification("ORD1")

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = engine.Process(context.Background(), n)
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range outcomes {
		require.NoError(t, errs[i])
		if outcomes[i] == OutcomeApplied {
			applied++
		} else {
			// Losers either saw the charge already gone or retried into
			// a clean no-op.
			assert.Equal(t, OutcomeNotFound, outcomes[i])
		}
	}

	assert.Equal(t, 1, applied, "exactly one handler applies the settlement")
	assert.Len(t, store.history, 1)
	assert.Equal(t, []string{"2024-02"}, store.member("01HVMEMBER").Arrears)
}
