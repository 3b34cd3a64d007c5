// Package config loads application configuration from environment variables.
//
// It wraps github.com/joho/godotenv and github.com/caarlos0/env/v11: the
// default .env file is read once per process, then env.Parse fills any
// annotated struct. MustLoad panics on failure for configuration the broker
// cannot run without.
package config
