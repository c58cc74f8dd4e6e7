package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		require.True(t, IsValid(id), id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNormalize(t *testing.T) {
	const canonical = "6f1c1f43-8d59-4c7e-9d43-0d5b6f3f2a11"
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{canonical, canonical, false},
		{"6F1C1F43-8D59-4C7E-9D43-0D5B6F3F2A11", canonical, false},
		{"{6f1c1f43-8d59-4c7e-9d43-0d5b6f3f2a11}", canonical, false},
		{"urn:uuid:6f1c1f43-8d59-4c7e-9d43-0d5b6f3f2a11", canonical, false},
		{"00000000-0000-0000-0000-000000000000", "", true},
		{"r-1", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid("6f1c1f43-8d59-4c7e-9d43-0d5b6f3f2a11"))
	assert.False(t, IsValid("6F1C1F43-8D59-4C7E-9D43-0D5B6F3F2A11"), "not canonical")
	assert.False(t, IsValid("not-a-uuid"))
}
