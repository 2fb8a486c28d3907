package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	maxSQLIdentifierLength    = 63
	defaultTransactionTimeout = 30 * time.Second
)

var (
	// ErrStateTransitionConflict is returned when a conditional update
	// matched no row: another worker won the claim or the row moved on.
	ErrStateTransitionConflict = errors.New("postgres: state transition conflict")
	// ErrInvalidIdentifier rejects table or column names that are not plain identifiers.
	ErrInvalidIdentifier = errors.New("postgres: invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// InTx runs fn inside a transaction on db, committing on success.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	_, err := WithTxOrExisting(ctx, db, nil, func(tx *sql.Tx) (struct{}, error) {
		return struct{}{}, fn(tx)
	})

	return err
}

// WithTxOrExisting runs fn inside tx when tx is non-nil. Otherwise it opens a
// transaction on db, bounded by a default timeout when ctx has no deadline,
// and commits it when fn succeeds.
func WithTxOrExisting[T any](ctx context.Context, db *sql.DB, tx *sql.Tx, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	if tx != nil {
		return fn(tx)
	}

	if db == nil {
		return zero, ErrNoPrimaryDB
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, defaultTransactionTimeout)
		defer cancel()
	}

	newTx, err := db.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ValidateIdentifier accepts a table or column name, optionally schema
// qualified.
func ValidateIdentifier(path string) error {
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if len(part) > maxSQLIdentifierLength || !identifierPattern.MatchString(part) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, path)
		}
	}

	return nil
}

// QuoteIdentifier quotes a validated, optionally schema-qualified identifier.
func QuoteIdentifier(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.ReplaceAll(strings.TrimSpace(part), "\x00", "")
		quoted = append(quoted, "\""+strings.ReplaceAll(part, "\"", "\"\"")+"\"")
	}

	return strings.Join(quoted, ".")
}

// EnsureRowsAffected returns ErrStateTransitionConflict when result touched
// no row.
func EnsureRowsAffected(result sql.Result) error {
	if result == nil {
		return ErrStateTransitionConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return ErrStateTransitionConflict
	}

	return nil
}
