package postgres

import (
	"context"
	"errors"

	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/jackc/pgx/v5/pgconn"
)

// Classify tags err with a failure kind from its SQLSTATE class. Integrity,
// data and syntax errors will fail again and are Permanent; authentication
// and missing-database errors are Configuration; everything else, including
// connection loss and serialization conflicts, is Transient. Already
// classified errors and nil pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var classified *faults.Error
	if errors.As(err, &classified) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return faults.Transient(op, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return faults.Transient(op, err)
	}

	switch pgErr.Code[:2] {
	case "22", "23", "42":
		return faults.Permanent(op, err)
	case "28", "3D":
		return faults.Configuration(op, err)
	default:
		return faults.Transient(op, err)
	}
}
