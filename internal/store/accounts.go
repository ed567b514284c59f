package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Account is a user's credit account.
type Account struct {
	UserID    string
	Balance   int
	Admin     bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntry is one append-only balance change.
type LedgerEntry struct {
	ID        int64
	UserID    string
	Amount    int // negative for deductions
	Balance   int // balance after the change
	Reason    string
	QueryRef  string
	CreatedAt time.Time
}

// GetAccount returns the account of userID.
func (s *Store) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var (
		a                Account
		admin            int
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, is_admin, created_at, updated_at FROM accounts WHERE user_id = ?`,
		userID).Scan(&a.UserID, &a.Balance, &admin, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.Admin = admin != 0
	a.CreatedAt, a.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &a, nil
}

// CreateAccount opens an account with an initial balance, recorded as the
// first ledger entry.
func (s *Store) CreateAccount(ctx context.Context, userID string, balance int, admin bool) (*Account, error) {
	if userID == "" || balance < 0 {
		return nil, fmt.Errorf("%w: user id required and balance must be >= 0", ErrInvalidArgument)
	}
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, is_admin, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		userID, balance, boolInt(admin), toMillis(now), toMillis(now))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: account %s", ErrAlreadyExists, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	if _, err := insertLedger(ctx, tx, userID, balance, balance, "opening balance", "", now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit account: %w", err)
	}
	return &Account{UserID: userID, Balance: balance, Admin: admin, CreatedAt: now.UTC(), UpdatedAt: now.UTC()}, nil
}

// Deduct atomically subtracts amount from the balance and appends a ledger
// entry. It fails with ErrInsufficientBalance, leaving the balance
// untouched, when the balance is lower than amount.
func (s *Store) Deduct(ctx context.Context, userID string, amount int, reason, queryRef string) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: deduction must be positive, got %d", ErrInvalidArgument, amount)
	}
	return s.adjust(ctx, userID, -amount, reason, queryRef)
}

// Credit adds amount to the balance and appends a ledger entry.
func (s *Store) Credit(ctx context.Context, userID string, amount int, reason string) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: credit must be positive, got %d", ErrInvalidArgument, amount)
	}
	return s.adjust(ctx, userID, amount, reason, "")
}

func (s *Store) adjust(ctx context.Context, userID string, delta int, reason, queryRef string) (*LedgerEntry, error) {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	// The balance guard makes check-and-decrement a single statement.
	var balance int
	err = tx.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance + ?, updated_at = ?
		WHERE user_id = ? AND balance + ? >= 0
		RETURNING balance`, delta, toMillis(now), userID, delta).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		var current int
		lookupErr := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, userID).Scan(&current)
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s", ErrNotFound, userID)
		}
		if lookupErr != nil {
			return nil, fmt.Errorf("read balance: %w", lookupErr)
		}
		return nil, fmt.Errorf("%w: balance %d, required %d", ErrInsufficientBalance, current, -delta)
	}
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	entry, err := insertLedger(ctx, tx, userID, delta, balance, reason, queryRef, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit balance change: %w", err)
	}
	return entry, nil
}

// Ledger returns the most recent entries of userID, newest first.
func (s *Store) Ledger(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, balance, reason, query_ref, created_at
		FROM credit_ledger WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var (
			e       LedgerEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Balance, &e.Reason, &e.QueryRef, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func insertLedger(ctx context.Context, tx *sql.Tx, userID string, amount, balance int, reason, queryRef string, at time.Time) (*LedgerEntry, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (user_id, amount, balance, reason, query_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, userID, amount, balance, reason, queryRef, toMillis(at))
	if err != nil {
		return nil, fmt.Errorf("append ledger: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &LedgerEntry{
		ID:        id,
		UserID:    userID,
		Amount:    amount,
		Balance:   balance,
		Reason:    reason,
		QueryRef:  queryRef,
		CreatedAt: at.UTC(),
	}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
