package fcm

import "errors"

var (
	ErrMissingAPIKey    = errors.New("fcm api key is required")
	ErrDeliveryFailed   = errors.New("fcm delivery failed")
	ErrTokenRejected    = errors.New("fcm registration token rejected")
	ErrServerOverloaded = errors.New("fcm server unavailable")
)
