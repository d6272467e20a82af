package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func TestParseOpenAIRateLimitHeaders(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		expected RateLimitInfo
	}{
		{
			name:     "empty_headers",
			headers:  map[string]string{},
			expected: RateLimitInfo{},
		},
		{
			name: "retry_after_seconds",
			headers: map[string]string{
				"Retry-After": "30",
			},
			expected: RateLimitInfo{
				RetryAfter: 30 * time.Second,
			},
		},
		{
			name: "retry_after_invalid",
			headers: map[string]string{
				"Retry-After": "invalid",
			},
			expected: RateLimitInfo{},
		},
		{
			name: "token_reset_time",
			headers: map[string]string{
				"x-ratelimit-reset-tokens": "1640995200",
			},
			expected: RateLimitInfo{
				ResetTime: 1640995200,
			},
		},
		{
			name: "request_reset_time",
			headers: map[string]string{
				"x-ratelimit-reset-requests": "1640995200",
			},
			expected: RateLimitInfo{
				ResetTime: 1640995200,
			},
		},
		{
			name: "token_reset_priority_over_request",
			headers: map[string]string{
				"x-ratelimit-reset-tokens":   "1640995200",
				"x-ratelimit-reset-requests": "1640995300",
			},
			expected: RateLimitInfo{
				ResetTime: 1640995200,
			},
		},
		{
			name: "reset_time_invalid",
			headers: map[string]string{
				"x-ratelimit-reset-tokens": "invalid",
			},
			expected: RateLimitInfo{},
		},
		{
			name: "remaining_requests",
			headers: map[string]string{
				"x-ratelimit-remaining-requests": "100",
			},
			expected: RateLimitInfo{
				RequestsRemaining: 100,
			},
		},
		{
			name: "remaining_tokens",
			headers: map[string]string{
				"x-ratelimit-remaining-tokens": "50000",
			},
			expected: RateLimitInfo{
				TokensRemaining: 50000,
			},
		},
		{
			name: "remaining_invalid",
			headers: map[string]string{
				"x-ratelimit-remaining-requests": "invalid",
				"x-ratelimit-remaining-tokens":   "invalid",
			},
			expected: RateLimitInfo{},
		},
		{
			name: "complete_headers",
			headers: map[string]string{
				"Retry-After":                    "60",
				"x-ratelimit-reset-tokens":       "1640995200",
				"x-ratelimit-remaining-requests": "50",
				"x-ratelimit-remaining-tokens":   "25000",
			},
			expected: RateLimitInfo{
				RetryAfter:        60 * time.Second,
				ResetTime:         1640995200,
				RequestsRemaining: 50,
				TokensRemaining:   25000,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			for key, value := range tt.headers {
				headers.Set(key, value)
			}

			result := ParseOpenAIRateLimitHeaders(headers)

			if result != tt.expected {
				t.Errorf("ParseOpenAIRateLimitHeaders() = %+v, want %+v", result, tt.expected)
			}
		})
	}
}

func TestParseOpenAIRateLimitHeaders_CaseInsensitive(t *testing.T) {
	headers := http.Header{}
	headers.Set("retry-after", "30")
	headers.Set("X-RATELIMIT-RESET-TOKENS", "1640995200")
	headers.Set("x-ratelimit-remaining-requests", "100")

	result := ParseOpenAIRateLimitHeaders(headers)

	if result.RetryAfter != 30*time.Second {
		t.Errorf("Expected RetryAfter=30s, got %v", result.RetryAfter)
	}
	if result.ResetTime != 1640995200 {
		t.Errorf("Expected ResetTime=1640995200, got %d", result.ResetTime)
	}
	if result.RequestsRemaining != 100 {
		t.Errorf("Expected RequestsRemaining=100, got %d", result.RequestsRemaining)
	}
}

func TestParseOpenAIRateLimitHeaders_ExhaustedQuota(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "60")
	headers.Set("x-ratelimit-remaining-requests", "0")
	headers.Set("x-ratelimit-remaining-tokens", "0")

	result := ParseOpenAIRateLimitHeaders(headers)

	if result.RetryAfter != 60*time.Second {
		t.Errorf("Expected RetryAfter=60s, got %v", result.RetryAfter)
	}
	if result.RequestsRemaining != 0 || result.TokensRemaining != 0 {
		t.Errorf("Expected zero remaining quota, got %+v", result)
	}
}
