package tools

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePath(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s := NewSandbox(root)

	base := filepath.Join(root, "42")

	assert.Equal(t, filepath.Join(base, "notes.txt"), s.ResolvePath("42", "notes.txt"))
	assert.Equal(t, filepath.Join(base, "a", "b"), s.ResolvePath("42", "a/b"))
	assert.Equal(t, base, s.ResolvePath("42", "."))

	// Absolute paths are re-rooted, not honored.
	assert.Equal(t, filepath.Join(base, "etc", "passwd"), s.ResolvePath("42", "/etc/passwd"))

	// Traversal out of the principal's directory is refused.
	assert.Empty(t, s.ResolvePath("42", "../other/secret"))
	assert.Empty(t, s.ResolvePath("42", "../../../../etc/passwd"))
}

func TestResolvePath_PrefixAmbiguity(t *testing.T) {
	t.Parallel()
	s := NewSandbox("/srv/boxes")

	// "/srv/boxes/42-evil" must not pass as inside "/srv/boxes/42".
	got := s.ResolvePath("42", "../42-evil/x")
	assert.Empty(t, got)
}

func TestRewriteArgs(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s := NewSandbox(root)

	in := map[string]any{
		"path":    "doc.pdf",
		"cwd":     "../escape",
		"command": "ls",
		"count":   3,
	}
	out := s.RewriteArgs("42", in)

	assert.True(t, strings.HasPrefix(out["path"].(string), filepath.Join(root, "42")))
	assert.Equal(t, PathOutsideSandbox, out["cwd"])
	assert.Equal(t, "ls", out["command"], "non-path keys pass through")
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, "doc.pdf", in["path"], "input map never mutated")
}

func TestRewriteArgs_Nil(t *testing.T) {
	t.Parallel()
	s := NewSandbox(t.TempDir())
	assert.Nil(t, s.RewriteArgs("42", nil))
}

func TestSanitizeID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "anonymous", sanitizeID(""))
	assert.Equal(t, "user-42_a", sanitizeID("user-42_a"))
	assert.Equal(t, "a_b_c", sanitizeID("a/b/c"))
	assert.Equal(t, "__", sanitizeID(".."))
}
