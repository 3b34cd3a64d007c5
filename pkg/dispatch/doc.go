// Package dispatch routes compiled notifications to protocol-specific push
// senders. The broker core stays protocol-agnostic: it hands each reached
// subscriber to the Registry, which resolves the subscriber's declared
// protocol and delegates to whatever Sender was registered under that name.
//
// Unknown protocols are skipped silently and sender failures never propagate
// into the fan-out; push delivery is fire-and-forget per subscriber.
package dispatch
