package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duespay/internal/common/money"
)

func newTestMember(t *testing.T, arrears ...string) *Member {
	t.Helper()
	m, err := NewMember("01HVMEMBER", "Budi", arrears)
	require.NoError(t, err)
	return m
}

func TestNewMemberValidation(t *testing.T) {
	_, err := NewMember("", "Budi", nil)
	assert.Error(t, err)

	_, err = NewMember("01HVMEMBER", "", nil)
	assert.Error(t, err)

	_, err = NewMember("01HVMEMBER", "Budi", []string{"January"})
	assert.Error(t, err, "period labels must be YYYY-MM")

	_, err = NewMember("01HVMEMBER", "Budi", []string{"2024-01", "2024-01"})
	assert.Error(t, err, "duplicate periods rejected")
}

func TestAddArrears(t *testing.T) {
	m := newTestMember(t, "2024-01")

	require.NoError(t, m.AddArrears([]string{"2024-02", "2024-03"}))
	assert.Equal(t, []string{"2024-01", "2024-02", "2024-03"}, m.Arrears)

	assert.Error(t, m.AddArrears([]string{"2024-02"}), "already outstanding")
	assert.Error(t, m.AddArrears(nil), "empty set rejected")
}

func TestOpenCharge(t *testing.T) {
	m := newTestMember(t, "2024-01", "2024-02")

	err := m.OpenCharge("DUES-01HVORD", money.New(50000, money.IDR), []string{"2024-01"}, "gopay")
	require.NoError(t, err)
	require.NotNil(t, m.PendingCharge)
	assert.Equal(t, "DUES-01HVORD", m.PendingCharge.OrderID)
	assert.Equal(t, []string{"2024-01"}, m.PendingCharge.Periods)

	// One pending charge at a time.
	err = m.OpenCharge("DUES-01HVOTHER", money.New(50000, money.IDR), []string{"2024-02"}, "gopay")
	assert.Error(t, err)
}

func TestOpenChargeRejectsUncoveredPeriod(t *testing.T) {
	m := newTestMember(t, "2024-01")

	err := m.OpenCharge("DUES-01HVORD", money.New(50000, money.IDR), []string{"2024-02"}, "qris")
	assert.Error(t, err)
	assert.Nil(t, m.PendingCharge)
}

func TestOpenChargeRejectsNonPositiveAmount(t *testing.T) {
	m := newTestMember(t, "2024-01")

	err := m.OpenCharge("DUES-01HVORD", money.Zero(money.IDR), []string{"2024-01"}, "gopay")
	assert.Error(t, err)
}

func TestSettlePending(t *testing.T) {
	m := newTestMember(t, "2024-01", "2024-02")
	require.NoError(t, m.OpenCharge("DUES-01HVORD", money.New(50000, money.IDR), []string{"2024-01"}, "gopay"))

	paidAt := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	record, err := m.SettlePending("01HVREC", paidAt)
	require.NoError(t, err)

	// Covered periods leave the outstanding set and appear in the record.
	assert.Equal(t, []string{"2024-02"}, m.Arrears)
	assert.Nil(t, m.PendingCharge)
	assert.Equal(t, "DUES-01HVORD", record.OrderID)
	assert.Equal(t, []string{"2024-01"}, record.Periods)
	assert.Equal(t, int64(50000), record.Amount.AmountMinor)
	assert.Equal(t, paidAt, record.PaidAt)

	// Settling again without a pending charge fails.
	_, err = m.SettlePending("01HVREC2", paidAt)
	assert.Error(t, err)
}

func TestVoidPending(t *testing.T) {
	m := newTestMember(t, "2024-01")
	require.NoError(t, m.OpenCharge("DUES-01HVORD", money.New(50000, money.IDR), []string{"2024-01"}, "gopay"))

	require.NoError(t, m.VoidPending())
	assert.Nil(t, m.PendingCharge)
	assert.Equal(t, []string{"2024-01"}, m.Arrears, "voiding keeps the debt outstanding")

	assert.Error(t, m.VoidPending())
}
