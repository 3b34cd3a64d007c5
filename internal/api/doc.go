// Package api exposes the broker over HTTP: subscriber registration and
// editing, subscription management, event stats, publishing, and a
// server-sent-events bridge for in-browser listeners.
//
// Publishing is fire and forget: POST /event/{event} answers 204 before the
// fan-out starts, and delivery failures surface only in the logs. All other
// endpoints are synchronous against the Redis-backed registry.
package api
