package transcription

import (
	"errors"
	"time"

	"github.com/lenslab/lenscloud/pkg/asr"
)

// maxRateLimitBackoff caps the exponential rate-limit backoff.
const maxRateLimitBackoff = 60 * time.Second

// retryDelay computes the sleep before same-provider retry number attempt
// (1-based). Rate limits back off exponentially with a hard cap, server
// errors back off at twice the linear pace, everything else linearly.
func retryDelay(err error, attempt int, base time.Duration) time.Duration {
	if asr.IsRateLimited(err) {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxRateLimitBackoff {
				return maxRateLimitBackoff
			}
		}
		return d
	}
	if isServerError(err) {
		return 2 * base * time.Duration(attempt)
	}
	return base * time.Duration(attempt)
}

// isServerError reports whether err wraps a 5xx provider fault.
func isServerError(err error) bool {
	var perr *asr.Error
	return errors.As(err, &perr) && perr.Code >= 500
}
