package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFields_GetSet(t *testing.T) {
	t.Parallel()

	f := Fields{{Name: "a", Value: "1"}}
	f = f.Set("b", "2")
	f = f.Set("a", "3")

	assert.Equal(t, []string{"a", "b"}, f.Names())
	v, ok := f.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
	_, ok = f.Get("missing")
	assert.False(t, ok)
}

func TestFields_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	f := Fields{{Name: "a", Value: "1"}}
	c := f.Clone()
	c.Set("a", "changed")

	v, _ := f.Get("a")
	assert.Equal(t, "1", v)
	assert.Nil(t, Fields(nil).Clone())
}

func TestFields_JSONPreservesOrder(t *testing.T) {
	t.Parallel()

	f := Fields{{Name: "zeta", Value: "z"}, {Name: "alpha", Value: "a \"quoted\""}}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"z","alpha":"a \"quoted\""}`, string(data))

	var decoded Fields
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, f, decoded)
}

func TestFields_UnmarshalJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Fields
		wantErr bool
	}{
		{
			name:  "non string values keep their json text",
			input: `{"n": 42, "ok": true, "obj": {"x": 1}}`,
			want:  Fields{{Name: "n", Value: "42"}, {Name: "ok", Value: "true"}, {Name: "obj", Value: `{"x": 1}`}},
		},
		{
			name:  "null",
			input: `null`,
			want:  nil,
		},
		{
			name:  "empty object",
			input: `{}`,
			want:  Fields{},
		},
		{
			name:    "array rejected",
			input:   `["a"]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var f Fields
			err := json.Unmarshal([]byte(tt.input), &f)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f)
		})
	}
}
