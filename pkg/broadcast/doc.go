// Package broadcast is the live-listener channel of the push broker: every
// publish is announced on a Hub before durable fan-out, carrying the
// uncompiled payload. In-process consumers such as the SSE bridge subscribe
// by event name and receive publications over a buffered channel.
//
//	hub := broadcast.NewHub(16)
//	defer hub.Close()
//
//	l := hub.Subscribe(ctx, "orders")
//	defer l.Close()
//
//	for pub := range l.C() {
//		fmt.Println(pub.Event, pub.Payload.Title)
//	}
//
// Delivery is best-effort by design: Publish never blocks, and a listener
// whose buffer is full misses the publication. Durable delivery is the job of
// the subscription registry and the push senders, not this hub.
package broadcast
