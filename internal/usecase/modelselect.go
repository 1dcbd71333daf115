package usecase

import (
	"strings"
	"unicode"
)

// ModelSelector picks a model identifier for turns that did not name one.
// The heuristic looks at the Korean-character ratio and at programming
// keywords; it is deliberately cheap and runs on every default turn.
type ModelSelector struct {
	GeneralModel string
	KoreanModel  string
	CodeModel    string
}

// DefaultModelSelector carries the stock model assignments.
func DefaultModelSelector() ModelSelector {
	return ModelSelector{
		GeneralModel: "llama3.1",
		KoreanModel:  "exaone3.5",
		CodeModel:    "qwen2.5-coder",
	}
}

var codeKeywords = []string{
	"code", "function", "compile", "debug", "stack trace", "exception",
	"python", "javascript", "typescript", "golang", "java ", "rust",
	"sql", "regex", "api", "json", "docker", "kubernetes",
	"코드", "함수", "버그", "컴파일", "에러", "디버깅", "구현",
}

// Select resolves the model for a message. Precedence: programming content
// beats language, Korean beats the general default.
func (s ModelSelector) Select(message string) string {
	lower := strings.ToLower(message)
	for _, kw := range codeKeywords {
		if strings.Contains(lower, kw) {
			return s.CodeModel
		}
	}
	if koreanRatio(message) >= 0.3 {
		return s.KoreanModel
	}
	return s.GeneralModel
}

// koreanRatio is the share of Hangul among letter runes.
func koreanRatio(s string) float64 {
	var letters, hangul int
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Hangul, r) {
			hangul++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(hangul) / float64(letters)
}
