package providers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FailoverReason classifies why a provider call failed.
type FailoverReason string

const (
	ReasonRateLimit         FailoverReason = "rate_limit"
	ReasonAuth              FailoverReason = "auth"
	ReasonBilling           FailoverReason = "billing"
	ReasonTimeout           FailoverReason = "timeout"
	ReasonOverloaded        FailoverReason = "overloaded"
	ReasonFormat            FailoverReason = "format"
	ReasonCircuitOpen       FailoverReason = "circuit_open"
	ReasonStreamInterrupted FailoverReason = "stream_interrupted"
	ReasonUnknown           FailoverReason = "unknown"
)

// FailoverError is a classified provider failure. Wrapped preserves the
// original error for logging; RetryAfter is non-zero when the provider told
// us how long to back off.
type FailoverError struct {
	Reason         FailoverReason
	Provider       string
	Model          string
	Status         int
	RetryAfter     time.Duration
	PartialContent string
	Wrapped        error
}

func (e *FailoverError) Error() string {
	msg := fmt.Sprintf("%s/%s: %s", e.Provider, e.Model, e.Reason)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

func (e *FailoverError) Unwrap() error { return e.Wrapped }

// Code returns the stable error kind string for this failure.
func (e *FailoverError) Code() string {
	switch e.Reason {
	case ReasonRateLimit:
		return "llm-rate-limit"
	case ReasonAuth:
		return "llm-auth"
	case ReasonCircuitOpen:
		return "llm-circuit-open"
	case ReasonStreamInterrupted:
		return "llm-stream-interrupted"
	default:
		return "llm-" + string(e.Reason)
	}
}

// IsRetriable reports whether another attempt (or another candidate model)
// could plausibly succeed. Auth and format failures will fail again the same
// way; everything else is worth retrying.
func (e *FailoverError) IsRetriable() bool {
	switch e.Reason {
	case ReasonAuth, ReasonFormat:
		return false
	default:
		return true
	}
}

var (
	statusPattern     = regexp.MustCompile(`status[:= ]+(\d{3})`)
	retryAfterPattern = regexp.MustCompile(`(?i)retry[- ]after[:= ]*(\d+)`)
)

// ClassifyError maps a raw provider error to a FailoverError, or nil when
// the error is nil or a user abort (context.Canceled is never a provider
// failure).
func ClassifyError(err error, provider, model string) *FailoverError {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}

	var already *FailoverError
	if errors.As(err, &already) {
		return already
	}

	fe := &FailoverError{Provider: provider, Model: model, Wrapped: err}

	if errors.Is(err, context.DeadlineExceeded) {
		fe.Reason = ReasonTimeout
		return fe
	}

	msg := strings.ToLower(err.Error())

	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		status, _ := strconv.Atoi(m[1])
		fe.Status = status
		switch {
		case status == 401 || status == 403:
			fe.Reason = ReasonAuth
		case status == 402:
			fe.Reason = ReasonBilling
		case status == 408:
			fe.Reason = ReasonTimeout
		case status == 429:
			fe.Reason = ReasonRateLimit
			fe.RetryAfter = extractRetryAfter(msg)
		case status == 400 || status == 422:
			fe.Reason = ReasonFormat
		case status == 529 || status == 503:
			fe.Reason = ReasonOverloaded
		case status >= 500:
			fe.Reason = ReasonTimeout
		default:
			fe.Reason = ReasonUnknown
		}
		return fe
	}

	switch {
	case containsAny(msg, "rate limit", "quota exceeded", "too many requests"):
		fe.Reason = ReasonRateLimit
		fe.RetryAfter = extractRetryAfter(msg)
	case containsAny(msg, "unauthorized", "invalid api key", "authentication", "forbidden"):
		fe.Reason = ReasonAuth
	case containsAny(msg, "billing", "insufficient credit", "payment required"):
		fe.Reason = ReasonBilling
	case containsAny(msg, "overloaded", "capacity", "server is busy"):
		fe.Reason = ReasonOverloaded
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		fe.Reason = ReasonTimeout
	case containsAny(msg, "connection refused", "connection reset", "no such host", "eof", "broken pipe"):
		fe.Reason = ReasonOverloaded
	case containsAny(msg, "invalid request", "malformed", "schema"):
		fe.Reason = ReasonFormat
	default:
		return nil
	}
	return fe
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// extractRetryAfter pulls a "retry after N" hint (seconds) out of an error
// message. Zero when absent.
func extractRetryAfter(msg string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
