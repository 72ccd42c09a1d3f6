package util

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
)

// RetryUntilSuccess calls performAction until it succeeds, ctx is done or attempts are exhausted.
// onError is called after every failed attempt. The last error is returned.
func RetryUntilSuccess(ctx context.Context, attempts uint, delay time.Duration, performAction func() error, onError func(error)) error {
	return retry.Do(
		performAction,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			onError(err)
		}),
	)
}

// LogRetry returns an onError callback that logs each failed attempt of action.
func LogRetry(action string) func(error) {
	return func(err error) {
		log.WithError(err).Warnf("%s failed, retrying", action)
	}
}
