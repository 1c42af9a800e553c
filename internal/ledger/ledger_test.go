package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/metastore"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

// memStore is an in-memory Store that enforces the same ledger rules as
// the postgres implementation.
type memStore struct {
	mu    sync.Mutex
	users map[string]*model.User
	txns  []*model.CreditTransaction
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]*model.User)}
}

func (m *memStore) addUser(id string, role model.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = &model.User{ID: id, Email: id + "@example.com", Role: role}
}

func (m *memStore) Deduct(_ context.Context, userID string, cost int64, queryLogID *uuid.UUID, desc string) (*model.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, metastore.ErrNotFound
	}
	amount := -cost
	if u.Role == model.RoleAdmin {
		amount = 0
	}
	if u.CreditBalance+amount < 0 {
		return nil, metastore.ErrInsufficientCredits
	}
	return m.append(u, model.TxnDeduction, amount, desc, queryLogID, nil), nil
}

func (m *memStore) Refund(_ context.Context, deductionID uuid.UUID, desc string) (*model.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.ID != deductionID {
			continue
		}
		if t.Refunded {
			return nil, metastore.ErrAlreadyRefunded
		}
		t.Refunded = true
		return m.append(m.users[t.UserID], model.TxnRefund, -t.Amount, desc, t.QueryLogID, &t.ID), nil
	}
	return nil, metastore.ErrNotFound
}

func (m *memStore) Grant(_ context.Context, userID string, kind model.TxnKind, amount int64, desc string) (*model.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, metastore.ErrNotFound
	}
	return m.append(u, kind, amount, desc, nil, nil), nil
}

func (m *memStore) append(u *model.User, kind model.TxnKind, amount int64, desc string, qlID, refundOf *uuid.UUID) *model.CreditTransaction {
	u.CreditBalance += amount
	txn := &model.CreditTransaction{
		ID:           uuid.New(),
		UserID:       u.ID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: u.CreditBalance,
		Description:  desc,
		QueryLogID:   qlID,
		RefundOf:     refundOf,
	}
	m.txns = append(m.txns, txn)
	return txn
}

func (m *memStore) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, metastore.ErrNotFound
	}
	return u.CreditBalance, nil
}

func (m *memStore) TransactionsByUser(_ context.Context, userID string, limit, offset int) ([]*model.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.CreditTransaction
	for i := len(m.txns) - 1; i >= 0; i-- {
		if m.txns[i].UserID == userID {
			out = append(out, m.txns[i])
		}
	}
	if offset > 0 && offset < len(out) {
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetUser(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, metastore.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) EnsureUser(_ context.Context, user *model.User) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; ok {
		return false, nil
	}
	cp := *user
	m.users[user.ID] = &cp
	return true, nil
}

func (m *memStore) VerifyLedger(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return metastore.ErrNotFound
	}
	var sum int64
	for _, t := range m.txns {
		if t.UserID != userID {
			continue
		}
		sum += t.Amount
		if sum != t.BalanceAfter || t.BalanceAfter < 0 {
			return assert.AnError
		}
	}
	if sum != u.CreditBalance {
		return assert.AnError
	}
	return nil
}

func testService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	return New(store, Config{CostPerAsk: 1, InitialGrant: 30}, nil), store
}

func TestReserveAndRefundRoundTrip(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	store.addUser("u1", model.RoleUser)
	_, err := svc.Grant(ctx, "u1", model.TxnBonus, 10, "test")
	require.NoError(t, err)

	txn, err := svc.Reserve(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), txn.Amount)
	assert.Equal(t, int64(9), txn.BalanceAfter)

	refund, err := svc.Refund(ctx, txn.ID, "üretim hatası")
	require.NoError(t, err)
	assert.Equal(t, int64(1), refund.Amount)
	assert.Equal(t, &txn.ID, refund.RefundOf)

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	require.NoError(t, svc.Verify(ctx, "u1"))
}

func TestRefundAtMostOnce(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	store.addUser("u1", model.RoleUser)
	_, err := svc.Grant(ctx, "u1", model.TxnPurchase, 5, "")
	require.NoError(t, err)

	txn, err := svc.Reserve(ctx, "u1", nil)
	require.NoError(t, err)

	_, err = svc.Refund(ctx, txn.ID, "")
	require.NoError(t, err)

	_, err = svc.Refund(ctx, txn.ID, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	require.NoError(t, svc.Verify(ctx, "u1"))
}

func TestReserveInsufficientCredits(t *testing.T) {
	svc, store := testService(t)
	store.addUser("broke", model.RoleUser)

	_, err := svc.Reserve(context.Background(), "broke", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficientCredits, apperr.KindOf(err))
}

func TestAdminReserveIsFree(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	store.addUser("admin", model.RoleAdmin)

	txn, err := svc.Reserve(ctx, "admin", nil)
	require.NoError(t, err)
	assert.Zero(t, txn.Amount)
	assert.Zero(t, txn.BalanceAfter)
	require.NoError(t, svc.Verify(ctx, "admin"))
}

func TestEnsureAccountGrantsOnce(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	user := &model.User{ID: "yeni", Email: "yeni@example.com", Role: model.RoleUser}

	require.NoError(t, svc.EnsureAccount(ctx, user))
	balance, err := svc.Balance(ctx, "yeni")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	// Second sight must not re-grant.
	require.NoError(t, svc.EnsureAccount(ctx, user))
	balance, err = svc.Balance(ctx, "yeni")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)
}

func TestGrantRejectsNonPositiveAmount(t *testing.T) {
	svc, store := testService(t)
	store.addUser("u1", model.RoleUser)

	_, err := svc.Grant(context.Background(), "u1", model.TxnBonus, 0, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestUnknownUserMapsToNotFound(t *testing.T) {
	svc, _ := testService(t)

	_, err := svc.Balance(context.Background(), "kimse")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = svc.Account(context.Background(), "kimse")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
