// Package store provides Postgres persistence for the member dues ledger.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"duespay/internal/common/database"
	"duespay/internal/common/money"
	"duespay/internal/ledger/domain"
)

// Store provides ledger data access
type Store struct {
	db *database.DB
}

// New creates a new ledger store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const memberColumns = `id, name, arrears, pending_charge, version, created_at, updated_at`

// CreateMember inserts a new member row
func (s *Store) CreateMember(ctx context.Context, m *domain.Member) error {
	query := `
		INSERT INTO members (id, name, arrears, pending_charge, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	pc, err := marshalPendingCharge(m.PendingCharge)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, query,
		m.ID, m.Name, m.Arrears, pc, m.Version, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("member %s: %w", m.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating member: %w", err)
	}

	return nil
}

// GetMember retrieves a member by ID
func (s *Store) GetMember(ctx context.Context, id string) (*domain.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE id = $1`

	row := s.db.QueryRow(ctx, query, id)
	return scanMember(row)
}

// ListMembers lists members ordered by name
func (s *Store) ListMembers(ctx context.Context, limit, offset int) ([]*domain.Member, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM members`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting members: %w", err)
	}

	query := `SELECT ` + memberColumns + ` FROM members ORDER BY name LIMIT $1 OFFSET $2`
	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var members []*domain.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, 0, err
		}
		members = append(members, m)
	}

	return members, total, nil
}

// FindByOrderID locates the member whose pending charge carries the
// given order id. Order ids are unique cluster-wide (enforced by a
// unique partial index), so at most one row can match.
func (s *Store) FindByOrderID(ctx context.Context, orderID string) (*domain.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE pending_charge->>'order_id' = $1`

	row := s.db.QueryRow(ctx, query, orderID)
	return scanMember(row)
}

// UpdateArrears persists a changed outstanding set, conditioned on the
// version the member was read at
func (s *Store) UpdateArrears(ctx context.Context, m *domain.Member) error {
	query := `
		UPDATE members
		SET arrears = $3, version = version + 1, updated_at = $4
		WHERE id = $1 AND version = $2
	`

	tag, err := s.db.Exec(ctx, query, m.ID, m.Version, m.Arrears, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating arrears: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("member %s changed since read: %w", m.ID, database.ErrConflict)
	}

	m.Version++
	return nil
}

// SetPendingCharge records an opened charge. The write is conditioned
// on the version and on no other charge having appeared since the read.
func (s *Store) SetPendingCharge(ctx context.Context, m *domain.Member) error {
	query := `
		UPDATE members
		SET pending_charge = $3, version = version + 1, updated_at = $4
		WHERE id = $1 AND version = $2 AND pending_charge IS NULL
	`

	pc, err := marshalPendingCharge(m.PendingCharge)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, query, m.ID, m.Version, pc, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("setting pending charge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("member %s changed since read: %w", m.ID, database.ErrConflict)
	}

	m.Version++
	return nil
}

// ApplySettlement atomically writes a settlement: the shrunk
// outstanding set, the cleared pending charge and the appended payment
// record commit together or not at all. The member update is
// conditioned on the version the reconciliation cycle read, so a racing
// writer surfaces as ErrConflict rather than a lost update.
func (s *Store) ApplySettlement(ctx context.Context, m *domain.Member, record *domain.PaymentRecord) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE members
			SET arrears = $3, pending_charge = NULL, version = version + 1, updated_at = $4
			WHERE id = $1 AND version = $2
		`, m.ID, m.Version, m.Arrears, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating member: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("member %s changed since read: %w", m.ID, database.ErrConflict)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO payment_history (id, member_id, order_id, amount_minor, currency, method, periods, paid_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			record.ID, record.MemberID, record.OrderID,
			record.Amount.AmountMinor, record.Amount.Currency,
			record.Method, record.Periods, record.PaidAt,
		)
		if err != nil {
			return fmt.Errorf("appending payment record: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	m.Version++
	return nil
}

// ClearPendingCharge releases a pending charge without a ledger change,
// conditioned on the version the member was read at
func (s *Store) ClearPendingCharge(ctx context.Context, m *domain.Member) error {
	query := `
		UPDATE members
		SET pending_charge = NULL, version = version + 1, updated_at = $3
		WHERE id = $1 AND version = $2
	`

	tag, err := s.db.Exec(ctx, query, m.ID, m.Version, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("clearing pending charge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("member %s changed since read: %w", m.ID, database.ErrConflict)
	}

	m.Version++
	return nil
}

// ListPayments retrieves a member's payment history in settlement order
func (s *Store) ListPayments(ctx context.Context, memberID string, limit, offset int) ([]*domain.PaymentRecord, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM payment_history WHERE member_id = $1`, memberID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting payments: %w", err)
	}

	query := `
		SELECT id, member_id, order_id, amount_minor, currency, method, periods, paid_at
		FROM payment_history
		WHERE member_id = $1
		ORDER BY paid_at, id
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Query(ctx, query, memberID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	var records []*domain.PaymentRecord
	for rows.Next() {
		var r domain.PaymentRecord
		var amountMinor int64
		var currency string
		err := rows.Scan(
			&r.ID, &r.MemberID, &r.OrderID, &amountMinor, &currency,
			&r.Method, &r.Periods, &r.PaidAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning payment record: %w", err)
		}
		r.Amount = money.New(amountMinor, money.Currency(currency))
		records = append(records, &r)
	}

	return records, total, nil
}

// Helper functions

func marshalPendingCharge(pc *domain.PendingCharge) ([]byte, error) {
	if pc == nil {
		return nil, nil
	}
	data, err := json.Marshal(pc)
	if err != nil {
		return nil, fmt.Errorf("marshaling pending charge: %w", err)
	}
	return data, nil
}

func scanMember(row pgx.Row) (*domain.Member, error) {
	var m domain.Member
	var pc []byte
	err := row.Scan(
		&m.ID, &m.Name, &m.Arrears, &pc, &m.Version,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning member: %w", err)
	}
	if len(pc) > 0 {
		m.PendingCharge = &domain.PendingCharge{}
		if err := json.Unmarshal(pc, m.PendingCharge); err != nil {
			return nil, fmt.Errorf("unmarshaling pending charge: %w", err)
		}
	}
	if m.Arrears == nil {
		m.Arrears = []string{}
	}
	return &m, nil
}
