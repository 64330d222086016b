package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireLease claims the named lease for owner until now+ttl.
// Returns false when another owner holds an unexpired lease.
// An expired lease is taken over.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `
			DELETE FROM scheduler_locks WHERE name = ? AND expires_at <= ?
		`, name, now.Unix()); err != nil {
			return fmt.Errorf("expire lease %q: %w", name, err)
		}

		res, err := tx.tx.ExecContext(ctx, `
			INSERT INTO scheduler_locks (name, owner, acquired_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO NOTHING
		`, name, owner, now.Unix(), now.Add(ttl).Unix())
		if err != nil {
			return fmt.Errorf("claim lease %q: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim lease %q: rows affected: %w", name, err)
		}
		acquired = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ExtendLease pushes the named lease's expiry to now+ttl if owner still
// holds it. Returns false when the row is gone or belongs to someone else.
func (s *Store) ExtendLease(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_locks SET expires_at = ? WHERE name = ? AND owner = ?
	`, now.Add(ttl).Unix(), name, owner)
	if err != nil {
		return false, fmt.Errorf("extend lease %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lease %q: rows affected: %w", name, err)
	}
	return n > 0, nil
}

// ReleaseLease drops the named lease if owner still holds it.
// Releasing a lease held by someone else (or nobody) is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("release lease %q: %w", name, err)
	}
	return nil
}

// LeaseOwner reports who holds the named lease, if anyone.
func (s *Store) LeaseOwner(ctx context.Context, name string) (string, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner FROM scheduler_locks WHERE name = ?`, name).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read lease %q: %w", name, err)
	}
	return owner, true, nil
}
