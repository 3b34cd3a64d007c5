// Package logger provides a context-aware wrapper around Go's slog package
// adding functional options for configuration, helper attribute constructors,
// and transparent injection of values stored in context.Context.
//
// New builds a *slog.Logger from Option functions: choose text or json
// output, set the level, attach static attributes, and register
// ContextExtractor callbacks that pull request-scoped values (like a request
// id) into every record. Helper constructors in attr.go keep attribute
// naming consistent across the broker.
package logger
