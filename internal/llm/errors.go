package llm

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/vtcode-ai/vtcode/internal/vterror"
)

// MapHTTPStatus translates a provider HTTP status into the failure
// taxonomy: 401/403 authentication, 429 rate limit, 5xx network,
// everything else provider.
func MapHTTPStatus(status int, msg string, retryAfterMillis int64) *vterror.E {
	switch {
	case status == 401 || status == 403:
		return vterror.New(vterror.KindAuthentication, msg)
	case status == 429:
		e := vterror.New(vterror.KindRateLimit, msg).WithRetryable()
		if retryAfterMillis > 0 {
			e = e.WithRetryAfter(retryAfterMillis)
		}
		return e
	case status >= 500:
		return vterror.Newf(vterror.KindNetwork, "HTTP %d: %s", status, msg).WithRetryable()
	default:
		return vterror.Newf(vterror.KindProvider, "HTTP %d: %s", status, msg)
	}
}

// MapTransportError classifies non-HTTP failures from a provider call:
// context expiry maps to timeout/cancelled, net errors to network.
func MapTransportError(err error) *vterror.E {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return vterror.Wrap(vterror.KindTimeout, "provider call timed out", err).WithRetryable()
	case errors.Is(err, context.Canceled):
		return vterror.Wrap(vterror.KindCancelled, "provider call cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return vterror.Wrap(vterror.KindNetwork, "transport failure", err).WithRetryable()
	}
	return vterror.Wrap(vterror.KindProvider, "provider call failed", err)
}

// ParseRetryAfter converts a Retry-After header value (seconds) into
// milliseconds; 0 when absent or unparseable.
func ParseRetryAfter(header string) int64 {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return int64(secs) * 1000
}
