package taskfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/flowbatch/internal/task"
)

func TestParse(t *testing.T) {
	t.Parallel()

	doc := `
tasks:
  - id: greet-oslo
    input:
      greeting: hello
      city: Oslo
      count: 3
    output: greetings/oslo.txt
  - row:
      city: Rome
      lang: it
  - input:
      - {name: q, value: "what is 2+2"}
      - name: empty
`
	records, err := Parse("doc.yaml", []byte(doc))
	require.NoError(t, err)
	require.Len(t, records, 3)

	first := records[0]
	assert.Equal(t, "greet-oslo", first.ID)
	assert.Equal(t, task.Fields{
		{Name: "greeting", Value: "hello"},
		{Name: "city", Value: "Oslo"},
		{Name: "count", Value: "3"},
	}, first.Input, "mapping key order is preserved")
	assert.Equal(t, "greetings/oslo.txt", first.OutputArtifactName)
	assert.Equal(t, task.StatusWaiting, first.Status)

	second := records[1]
	assert.NotEmpty(t, second.ID)
	assert.Equal(t, second.Input, second.RowData)
	assert.Equal(t, []string{"city", "lang"}, second.RowData.Names())

	third := records[2]
	assert.Equal(t, task.Fields{{Name: "q", Value: "what is 2+2"}, {Name: "empty", Value: ""}}, third.Input)
	assert.Nil(t, third.RowData)
}

func TestParse_JSON(t *testing.T) {
	t.Parallel()

	records, err := Parse("doc.json", []byte(`{"tasks":[{"id":"a","input":{"z":"1","a":"2"},"output":"a.txt"}]}`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"z", "a"}, records[0].Input.Names())
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"malformed", "tasks: [", "failed to parse task file"},
		{"missing input", "tasks:\n  - id: a\n", "input or row is required"},
		{"both input and row", "tasks:\n  - input: {a: 1}\n    row: {b: 2}\n", "mutually exclusive"},
		{"nested value", "tasks:\n  - input: {a: {b: 1}}\n", "expected a scalar value, got mapping"},
		{"scalar input", "tasks:\n  - input: hello\n", "expected a mapping or a list, got scalar"},
		{"unnamed field", "tasks:\n  - input:\n      - value: x\n", "name is required"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse("doc.yaml", []byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "doc.yaml")
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.yaml"), "tasks:\n  - id: b1\n    input: {q: b}\n")
	writeFile(t, filepath.Join(dir, "a.yaml"), "tasks:\n  - id: a1\n    input: {q: a}\n  - id: a2\n    input: {q: a}\n")
	writeFile(t, filepath.Join(dir, "nested", "deep", "c.json"), `{"tasks":[{"id":"c1","input":{"q":"c"}}]}`)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dir.yaml"), 0o755))

	t.Run("globs are expanded and sorted", func(t *testing.T) {
		files, err := Expand([]string{filepath.Join(dir, "**", "*.json"), filepath.Join(dir, "*.yaml"), filepath.Join(dir, "a.yaml")})
		require.NoError(t, err)
		assert.Equal(t, []string{
			filepath.Join(dir, "a.yaml"),
			filepath.Join(dir, "b.yaml"),
			filepath.Join(dir, "nested", "deep", "c.json"),
		}, files)
	})

	t.Run("records follow file order", func(t *testing.T) {
		records, err := Load([]string{filepath.Join(dir, "**", "*.{yaml,json}")})
		require.NoError(t, err)
		var ids []string
		for _, r := range records {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{"a1", "a2", "b1", "c1"}, ids)
	})

	t.Run("no matches", func(t *testing.T) {
		_, err := Load([]string{filepath.Join(dir, "*.toml")})
		assert.ErrorIs(t, err, ErrNoTasks)
	})

	t.Run("invalid pattern", func(t *testing.T) {
		_, err := Expand([]string{filepath.Join(dir, "[")})
		assert.Error(t, err)
	})
}

func TestLoad_DuplicateIDs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "one.yaml"), "tasks:\n  - id: same\n    input: {q: 1}\n")
	writeFile(t, filepath.Join(dir, "two.yaml"), "tasks:\n  - id: same\n    input: {q: 2}\n")

	_, err := Load([]string{filepath.Join(dir, "*.yaml")})
	assert.ErrorIs(t, err, task.ErrDuplicateTask)
}

func TestLoad_EmptyFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "empty.yaml"), "tasks: []\n")

	_, err := Load([]string{filepath.Join(dir, "*.yaml")})
	assert.ErrorIs(t, err, ErrNoTasks)
}
