package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/phrazzld/flowbatch/internal/store"
)

const (
	checkViolationCode   = "23514"
	notNullViolationCode = "23502"

	// Class 08 covers connection exceptions.
	connectionExceptionClass = "08"
)

// MapError translates a driver error into one wrapping a store sentinel.
// Errors it does not recognise are returned unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == checkViolationCode:
		return fmt.Errorf("%w: violates %s: %v", store.ErrInvalidEntity, pgErr.ConstraintName, err)
	case pgErr.Code == notNullViolationCode:
		return fmt.Errorf("%w: %s is required: %v", store.ErrInvalidEntity, pgErr.ColumnName, err)
	case strings.HasPrefix(pgErr.Code, connectionExceptionClass):
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}
