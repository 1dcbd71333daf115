package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmake/infergate/internal/domain"
)

func TestQuotaExceeded_RetryHint(t *testing.T) {
	t.Parallel()
	hourly := domain.NewQuotaExceededError(domain.QuotaScopeHourly, 150, 150)
	assert.Equal(t, 3600, hourly.RetryAfterSeconds)
	weekly := domain.NewQuotaExceededError(domain.QuotaScopeWeekly, 10, 10)
	assert.Equal(t, 86400, weekly.RetryAfterSeconds)
	both := domain.NewQuotaExceededError(domain.QuotaScopeBoth, 1, 1)
	assert.Equal(t, 86400, both.RetryAfterSeconds)
}

func TestKeysExhausted_DisplayMessage(t *testing.T) {
	t.Parallel()
	e := &domain.KeysExhaustedError{ResetTime: time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC), TotalKeys: 4, KeysInCooldown: 4}
	assert.Contains(t, e.DisplayMessage("ko"), "09:30")
	assert.Contains(t, e.DisplayMessage("en"), "09:30")
	assert.NotEqual(t, e.DisplayMessage("ko"), e.DisplayMessage("en"))
}

func TestRateLimited_Message(t *testing.T) {
	t.Parallel()
	e := &domain.RateLimitedError{Limit: 100, RetryAfterSeconds: 120}
	assert.Equal(t, "일일 채팅 제한 초과 (100회/일)", e.Error())
}

func TestUpstreamError_Unwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	wrapped := fmt.Errorf("op=chat: %w", &domain.UpstreamError{Cause: cause})
	var ue *domain.UpstreamError
	require.True(t, errors.As(wrapped, &ue))
	assert.ErrorIs(t, ue, cause)
}

func TestPrincipal_Key(t *testing.T) {
	t.Parallel()
	uid := int64(42)
	assert.Equal(t, "42", domain.Principal{UserID: &uid}.Key("anon"))
	assert.Equal(t, "anon", domain.Guest().Key("anon"))
	assert.Equal(t, "guest", domain.Guest().Key(""))
}
