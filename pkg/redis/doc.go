// Package redis connects the broker to its Redis backend.
//
// All broker state lives in Redis, so startup blocks until a connection is
// established: Connect retries with a configurable interval and gives up
// after the configured timeout. Healthcheck wraps the same client into a
// probe function for the HTTP status endpoint.
//
// Configuration is described by the Config struct whose fields are populated
// from environment variables via github.com/caarlos0/env.
package redis
