package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/phrazzld/flowbatch/internal/store"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"no rows", sql.ErrNoRows, store.ErrNotFound},
		{"check", &pgconn.PgError{Code: checkViolationCode, ConstraintName: "task_runs_status_check"}, store.ErrInvalidEntity},
		{"not null", &pgconn.PgError{Code: notNullViolationCode, ColumnName: "content"}, store.ErrInvalidEntity},
		{"connection failure", &pgconn.PgError{Code: "08006"}, store.ErrUnavailable},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), store.ErrUnavailable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, MapError(tt.err), tt.target)
		})
	}

	assert.NoError(t, MapError(nil))
	other := errors.New("syntax error")
	assert.Same(t, other, MapError(other))
	unique := &pgconn.PgError{Code: "23505"}
	assert.Same(t, error(unique), MapError(unique))
	assert.Contains(t, MapError(&pgconn.PgError{Code: notNullViolationCode, ColumnName: "content"}).Error(),
		"content is required")
}

func TestMaskURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "postgres://app:%2A%2A%2A%2A@db:5432/flowbatch",
		MaskURL("postgres://app:secret@db:5432/flowbatch"))
	assert.Equal(t, "postgres://db:5432/flowbatch", MaskURL("postgres://db:5432/flowbatch"))
	assert.Equal(t, "invalid-url", MaskURL("postgres://[::1"))
}

func TestMigrations(t *testing.T) {
	migrations, err := Migrations()
	assert.NoError(t, err)
	if assert.Len(t, migrations, 2) {
		assert.Less(t, migrations[0].Version, migrations[1].Version)
	}
}
