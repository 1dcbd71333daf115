package tools

import (
	"strings"

	"github.com/openmake/infergate/internal/domain"
)

// Tier policy. The sets are closed: additions go here, not at call sites.
var (
	freeTools = map[string]struct{}{
		"web_search":    {},
		"vision_ocr":    {},
		"analyze_image": {},
	}
	proTools = map[string]struct{}{
		"run_command":         {},
		"sequential_thinking": {},
	}
	// proPatterns are wildcard rules; a trailing '*' matches by prefix.
	proPatterns = []string{"firecrawl_*"}
)

// allowedForTier applies the tier policy to one tool name. Names containing
// the namespace separator are external and go through the external branch:
// free never sees them, pro and enterprise see all of them.
func allowedForTier(tier domain.Tier, name string) bool {
	if tier == domain.TierEnterprise {
		return true
	}
	if strings.Contains(name, Separator) {
		return tier == domain.TierPro
	}
	if _, ok := freeTools[name]; ok {
		return true
	}
	if tier != domain.TierPro {
		return false
	}
	if _, ok := proTools[name]; ok {
		return true
	}
	for _, pat := range proPatterns {
		if matchPattern(pat, name) {
			return true
		}
	}
	return false
}

// matchPattern matches exact names, or by prefix when the pattern ends in '*'.
func matchPattern(pattern, name string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}
