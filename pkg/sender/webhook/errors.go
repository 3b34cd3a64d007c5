package webhook

import "errors"

var (
	ErrDeliveryFailed   = errors.New("webhook delivery failed")
	ErrPermanentFailure = errors.New("permanent webhook failure")
	ErrTemporaryFailure = errors.New("temporary webhook failure")
	ErrTimeout          = errors.New("webhook request timeout")
)
