package tools

import (
	"path/filepath"
	"strings"
)

// PathOutsideSandbox is the sentinel written in place of a path argument
// that attempted to escape the principal's sandbox root. Handlers observe
// it and refuse; the rewrite itself never raises.
const PathOutsideSandbox = "__OUTSIDE_SANDBOX__"

// pathKeys are the well-known argument keys subject to sandbox rewriting.
var pathKeys = []string{"path", "file", "directory", "dir", "cwd", "workdir"}

// Sandbox confines path-bearing tool arguments to a per-principal root.
type Sandbox struct {
	root string
}

// NewSandbox creates a sandbox rooted at root.
func NewSandbox(root string) *Sandbox {
	return &Sandbox{root: filepath.Clean(root)}
}

// ResolvePath maps candidate into the principal's root. The result is always
// either inside the root or empty; the trailing-separator check prevents the
// prefix-ambiguity escape where "/root-evil" would match "/root".
func (s *Sandbox) ResolvePath(principalID, candidate string) string {
	base := filepath.Join(s.root, sanitizeID(principalID))
	resolved := filepath.Join(base, candidate)
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return ""
	}
	return resolved
}

// RewriteArgs returns a copy of args with every well-known path key either
// resolved inside the principal's root or replaced with the escape sentinel.
func (s *Sandbox) RewriteArgs(principalID string, args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, key := range pathKeys {
		v, ok := out[key]
		if !ok {
			continue
		}
		str, ok := v.(string)
		if !ok || str == "" {
			continue
		}
		resolved := s.ResolvePath(principalID, str)
		if resolved == "" {
			out[key] = PathOutsideSandbox
			continue
		}
		out[key] = resolved
	}
	return out
}

// sanitizeID keeps principal ids path-safe.
func sanitizeID(id string) string {
	if id == "" {
		return "anonymous"
	}
	var sb strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
