package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrNoNodeAvailable = errors.New("no node available")
	// ErrAborted marks a turn cancelled by the client or by session teardown.
	// It is its own terminal outcome and must never surface as a generic error.
	ErrAborted  = errors.New("aborted")
	ErrNotFound = errors.New("not found")
	ErrInternal = errors.New("internal error")
)

// QuotaScope identifies which upstream quota window was exhausted.
type QuotaScope string

const (
	QuotaScopeHourly QuotaScope = "hourly"
	QuotaScopeWeekly QuotaScope = "weekly"
	QuotaScopeBoth   QuotaScope = "both"
)

// QuotaExceededError reports an exhausted upstream quota with enough
// quantitative context for the client to back off without string matching.
type QuotaExceededError struct {
	Scope             QuotaScope
	Used              int
	Limit             int
	RetryAfterSeconds int
}

// NewQuotaExceededError derives the retry hint from the scope: hourly quotas
// refill within the hour, everything else waits for the daily boundary.
func NewQuotaExceededError(scope QuotaScope, used, limit int) *QuotaExceededError {
	retry := 86400
	if scope == QuotaScopeHourly {
		retry = 3600
	}
	return &QuotaExceededError{Scope: scope, Used: used, Limit: limit, RetryAfterSeconds: retry}
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded (%s): %d/%d", e.Scope, e.Used, e.Limit)
}

// KeysExhaustedError reports that every upstream API key is cooling down.
type KeysExhaustedError struct {
	ResetTime         time.Time
	TotalKeys         int
	KeysInCooldown    int
	RetryAfterSeconds int
}

func (e *KeysExhaustedError) Error() string {
	return fmt.Sprintf("all %d api keys in cooldown until %s", e.TotalKeys, e.ResetTime.Format(time.RFC3339))
}

// DisplayMessage returns a client-facing message in the requested language.
func (e *KeysExhaustedError) DisplayMessage(lang string) string {
	reset := e.ResetTime.Format("15:04")
	if lang == "ko" {
		return fmt.Sprintf("모든 API 키가 사용량 한도에 도달했습니다. %s 이후 다시 시도해주세요.", reset)
	}
	return fmt.Sprintf("All API keys have reached their usage limit. Please retry after %s.", reset)
}

// RateLimitedError reports a daily rate-limit rejection.
type RateLimitedError struct {
	Limit             int
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("일일 채팅 제한 초과 (%d회/일)", e.Limit)
}

// InvalidRequestError carries a user-fixable validation failure. The message
// is safe to surface verbatim.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string { return e.Message }

// UpstreamError wraps an internal upstream failure. The outer layer surfaces
// a generic message only; Cause stays in the logs.
type UpstreamError struct {
	Cause error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream: %v", e.Cause) }

func (e *UpstreamError) Unwrap() error { return e.Cause }
