// Package webhook delivers push notifications over plain HTTP callbacks.
//
// A subscriber on the "webhook" protocol registers an absolute http(s) URL as
// its token; each notification is POSTed there as a small JSON frame with
// the event name, localized title and message, and the data map. Transient
// failures are retried with exponential backoff while most 4xx responses
// abort delivery immediately.
package webhook
