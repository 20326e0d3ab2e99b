package filesink

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSink(t *testing.T) *Sink {
	t.Helper()
	s, err := New(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func TestSink_WriteAndExists(t *testing.T) {
	t.Parallel()

	s := newSink(t)
	ctx := context.Background()

	exists, err := s.Exists(ctx, "reports/a.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Write(ctx, "reports/a.txt", "first"))
	exists, err = s.Exists(ctx, "reports/a.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Write(ctx, "reports/a.txt", "second"))
	data, err := os.ReadFile(filepath.Join(s.Dir(), "reports", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "reports"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestSink_DirectoryIsNotAnArtifact(t *testing.T) {
	t.Parallel()

	s := newSink(t)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Dir(), "folder"), 0o755))

	exists, err := s.Exists(context.Background(), "folder")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSink_InvalidNames(t *testing.T) {
	t.Parallel()

	s := newSink(t)
	ctx := context.Background()

	for _, name := range []string{"", "  ", "../escape.txt", "a/../../escape.txt", "/etc/passwd", ".", ".."} {
		name := name
		t.Run(name, func(t *testing.T) {
			_, err := s.Exists(ctx, name)
			assert.ErrorIs(t, err, ErrInvalidName)
			assert.ErrorIs(t, s.Write(ctx, name, "x"), ErrInvalidName)
		})
	}
}

func TestSink_CancelledContext(t *testing.T) {
	t.Parallel()

	s := newSink(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Write(ctx, "a.txt", "x"), context.Canceled)
	_, err := s.Exists(ctx, "a.txt")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_EmptyDir(t *testing.T) {
	t.Parallel()

	_, err := New("", nil)
	assert.Error(t, err)
}
