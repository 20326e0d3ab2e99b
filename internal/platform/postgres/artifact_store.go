package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/phrazzld/flowbatch/internal/platform/logger"
	"github.com/phrazzld/flowbatch/internal/store"
	"github.com/phrazzld/flowbatch/internal/task"
)

// ArtifactStore implements task.ArtifactStore on the artifacts table.
type ArtifactStore struct {
	db store.DBTX
}

var _ task.ArtifactStore = (*ArtifactStore)(nil)

// NewArtifactStore creates an ArtifactStore over db.
func NewArtifactStore(db store.DBTX) *ArtifactStore {
	return &ArtifactStore{db: db}
}

func validateArtifactName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: artifact name cannot be empty", store.ErrInvalidEntity)
	}
	return nil
}

// Exists reports whether an artifact is stored under name.
func (s *ArtifactStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := validateArtifactName(name); err != nil {
		return false, err
	}

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM artifacts WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		logger.FromContext(ctx).Error("failed to check artifact", "name", name, "error", err)
		return false, fmt.Errorf("failed to check artifact: %w", MapError(err))
	}
	return exists, nil
}

// Write inserts or replaces the artifact stored under name.
func (s *ArtifactStore) Write(ctx context.Context, name, content string) error {
	if err := validateArtifactName(name); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (name, content, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE
		SET content = EXCLUDED.content, updated_at = NOW()
	`, name, content)
	if err != nil {
		logger.FromContext(ctx).Error("failed to write artifact", "name", name, "error", err)
		return fmt.Errorf("failed to write artifact: %w", MapError(err))
	}
	return nil
}

// Get returns the content stored under name.
func (s *ArtifactStore) Get(ctx context.Context, name string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM artifacts WHERE name = $1`, name).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrArtifactNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get artifact: %w", MapError(err))
	}
	return content, nil
}
