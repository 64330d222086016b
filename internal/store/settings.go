package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Setting returns a named setting value.
func (t *Tx) Setting(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := t.tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %q: %w", name, err)
	}
	return value, true, nil
}

// SetSetting inserts or replaces a named setting.
func (t *Tx) SetSetting(ctx context.Context, name, value string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, name, value)
	if err != nil {
		return fmt.Errorf("write setting %q: %w", name, err)
	}
	return nil
}

// DeleteSetting removes a named setting. Missing settings are not an error.
func (t *Tx) DeleteSetting(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM settings WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete setting %q: %w", name, err)
	}
	return nil
}
