// Package registry owns the subscriber and event records of the push broker
// and the subscription relation between them, stored in Redis.
//
// A subscription is mirrored in two sorted sets so lookups are efficient from
// either direction: the subscriber's event set and the event's member set,
// both holding the subscription options bitmask as the entry score. Every
// operation touching both sides runs as one MULTI transaction; subscriber
// creation additionally WATCHes the candidate id key and retries a bounded
// number of times on races.
//
// Events are lazily created by their first subscription and self-clean once
// their member set drains. Two reserved name forms are virtual and never
// persisted: `broadcast` matches every registered subscriber, and
// `unicast:<id>` matches exactly the subscriber whose id is embedded in the
// name.
//
// The package holds no in-process locks; Redis transactions are the only
// concurrency-control mechanism, so any number of processes can share one
// registry.
package registry
