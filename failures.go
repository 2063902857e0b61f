package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/ansel1/merry"
)

var (
	ErrUnexpectedHTTPStatus = merry.New("unexpected HTTP status")
	ErrResponseMalformed    = merry.New("response data malformed")
	ErrLoginTokenMissing    = merry.New("store-affinity token not found")
	ErrPatternNotFound      = merry.New("pattern not found in page")
	ErrUnknownSortPolicy    = merry.New("unknown delivery sort policy")
	ErrNoDeliverySlot       = merry.New("no delivery slot available")
)

// FailureCategory names a counted, retryable kind of failure.
type FailureCategory string

const (
	FailureAddToBasket FailureCategory = "add_to_basket"
	FailureSetQuantity FailureCategory = "set_quantity"
	FailureTimeout     FailureCategory = "request_timeout"
	FailureDecode      FailureCategory = "json_decode_error"
	FailureUnknown     FailureCategory = "unknown"
)

const failureClearTrigger = 10

// ClearScope reports how much of the credential cache a category wipes
// once it reaches the trigger count.
func (c FailureCategory) ClearScope() CacheScope {
	switch c {
	case FailureAddToBasket, FailureSetQuantity:
		return ScopeSession
	default:
		return ScopeAll
	}
}

// FailureCounters counts occurrences per category since the last cache clear.
type FailureCounters map[FailureCategory]int

// Increment bumps the category and reports whether it reached the clear trigger.
func (fc FailureCounters) Increment(c FailureCategory) (count int, shouldClear bool) {
	fc[c]++
	return fc[c], fc[c] >= failureClearTrigger
}

func (fc FailureCounters) Reset() {
	for k := range fc {
		delete(fc, k)
	}
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Client.Timeout") ||
		strings.Contains(errStr, "context deadline exceeded")
}

func isDecodeError(err error) bool {
	if err == nil {
		return false
	}
	if merry.Is(err, ErrResponseMalformed) {
		return true
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

// classifyFailure maps an error that escaped an attempt to its counter.
func classifyFailure(err error) FailureCategory {
	switch {
	case isTimeoutError(err):
		return FailureTimeout
	case isDecodeError(err):
		return FailureDecode
	default:
		return FailureUnknown
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
