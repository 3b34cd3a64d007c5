package registry

// Subscription option bits, stored as the score of both subscription indexes.
const optionIgnoreMessage int64 = 1 << 0

// SubscriptionOptions carries the per-subscription delivery flags.
type SubscriptionOptions struct {
	// IgnoreMessage suppresses title and body; only data fields are delivered.
	IgnoreMessage bool
}

func (o SubscriptionOptions) bits() int64 {
	var b int64
	if o.IgnoreMessage {
		b |= optionIgnoreMessage
	}
	return b
}

func optionsFromScore(score float64) SubscriptionOptions {
	b := int64(score)
	return SubscriptionOptions{IgnoreMessage: b&optionIgnoreMessage != 0}
}

// Subscription is the read-only projection of one (event, options) pair of a
// subscriber's subscription set.
type Subscription struct {
	Event   *Event
	Options SubscriptionOptions
}
