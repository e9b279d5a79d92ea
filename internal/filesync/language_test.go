package filesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"app.js", "javascript"},
		{"/src/Main.TSX", "typescript"},
		{"main.go", "go"},
		{"script.py", "python"},
		{"README.md", "markdown"},
		{"Dockerfile", "dockerfile"},
		{"config.yml", "yaml"},
		{"notes", DefaultLanguage},
		{"archive.tar.gz", DefaultLanguage},
		{"", DefaultLanguage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectLanguage(tt.name))
		})
	}
}

func TestVersionConflictError(t *testing.T) {
	err := error(&VersionConflictError{Expected: 1, Actual: 2})

	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, "version conflict: expected 1, current 2", err.Error())
}
