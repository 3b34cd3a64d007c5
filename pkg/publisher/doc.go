// Package publisher drives the single orchestration path of a publish call:
// validate the raw fields into a payload, announce the publish to live
// listeners, check event existence, compile templates, fan the payload out to
// every subscriber through the dispatch registry, and finally either record
// the publish in the event stats or delete an event nobody listens to.
//
// Delivery is best-effort and fire-and-forget per subscriber; the only
// failures a caller sees are invalid payloads and store errors.
package publisher
