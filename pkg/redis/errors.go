package redis

import "errors"

var (
	// ErrFailedToParseRedisConnString reports an invalid REDIS_URL value.
	ErrFailedToParseRedisConnString = errors.New("failed to parse redis connection string")
	// ErrRedisNotReady means no connect attempt succeeded within the timeout.
	ErrRedisNotReady = errors.New("redis did not become ready within the given time period")
	// ErrHealthcheckFailed wraps a failed readiness ping.
	ErrHealthcheckFailed = errors.New("redis healthcheck failed")
)
