package translation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCacheKey_Normalizes(t *testing.T) {
	a := NewCacheKey(" EN ", "It", "  Hello \t  world\n")
	b := NewCacheKey("en", "it", "Hello world")

	assert.Equal(t, a, b)
	assert.Equal(t, "en-it", a.Pair())
}

func TestCacheKey_StringIsInjective(t *testing.T) {
	a := NewCacheKey("en", "it", "a:b")
	b := CacheKey{SourceLang: "en", TargetLang: "it:a", Text: "b"}

	assert.NotEqual(t, a.String(), b.String())
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"critical", PriorityCritical, false},
		{"HIGH", PriorityHigh, false},
		{"", PriorityMedium, false},
		{"low", PriorityLow, false},
		{"urgent", PriorityMedium, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPriority_TextRoundTrip(t *testing.T) {
	var p Priority
	require.NoError(t, p.UnmarshalText([]byte("critical")))
	assert.Equal(t, PriorityCritical, p)

	b, err := PriorityLow.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "low", string(b))

	_, err = Priority(9).MarshalText()
	assert.Error(t, err)
}

func TestUnit_Validate(t *testing.T) {
	u := NewUnit("Continue", "en", "it", PriorityMedium)
	require.NoError(t, u.Validate())
	assert.NotEmpty(t, u.ID)
	assert.False(t, u.Timestamp.IsZero())

	u.TargetLang = ""
	assert.True(t, errors.Is(u.Validate(), ErrInvalidRequest))
}

func TestTranslation_FallbackUsed(t *testing.T) {
	assert.False(t, Translation{Source: SourceOnline}.FallbackUsed())
	assert.True(t, Translation{Source: SourceOffline}.FallbackUsed())
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0.0, ClampScore(-0.2))
	assert.Equal(t, 1.0, ClampScore(1.7))
	assert.Equal(t, 0.4, ClampScore(0.4))
	assert.Equal(t, 0.0, ClampScore(math.NaN()))
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := ErrAllSourcesFailed.WithStage("translating").WithCause(errors.New("boom"))

	assert.True(t, errors.Is(err, ErrAllSourcesFailed))
	assert.False(t, errors.Is(err, ErrExtraction))
	assert.Contains(t, err.Error(), "translating")
	assert.Contains(t, err.Error(), "boom")
	assert.Empty(t, ErrAllSourcesFailed.Stage, "sentinel must not be mutated")
}

func TestError_WrappedInFmt(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrModelNotInstalled.WithDetails("pair", "en-it"))

	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeModelNotInstalled, te.Code)
	assert.Equal(t, "en-it", te.Details["pair"])
	assert.Empty(t, ErrModelNotInstalled.Details)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeConcurrencyLimitExceeded, CodeOf(ErrConcurrencyLimitExceeded))
	assert.Equal(t, ErrCodeDeadlineExceeded, CodeOf(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.Equal(t, ErrCodeUnknown, CodeOf(errors.New("plain")))
}

func TestErrorToHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, ErrorToHTTPStatus(ErrCodeConcurrencyLimitExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, ErrorToHTTPStatus(ErrCodeAllSourcesFailed))
	assert.Equal(t, http.StatusBadRequest, ErrorToHTTPStatus(ErrCodeConfig))
	assert.Equal(t, http.StatusInternalServerError, ErrorToHTTPStatus(ErrCodeUnknown))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrConcurrencyLimitExceeded))
	assert.True(t, IsRetryable(ErrDeadlineExceeded))
	assert.False(t, IsRetryable(ErrAllSourcesFailed))
}
