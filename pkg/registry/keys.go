package registry

// Redis key layout. The two mirrored sorted sets (subscriber:<id>:evts and
// event:<name>:subs) must stay consistent: for every subscription the same
// member/score pair exists on both sides.
const (
	subscribersKey = "subscribers" // zset: every live subscriber id
	tokenMapKey    = "tokenmap"    // hash: proto:token -> subscriber id
	eventsKey      = "events"      // set: lazily created event names
)

func subscriberKey(id string) string       { return "subscriber:" + id }
func subscriberEventsKey(id string) string { return "subscriber:" + id + ":evts" }
func eventKey(name string) string          { return "event:" + name }
func eventSubsKey(name string) string      { return "event:" + name + ":subs" }

func tokenMapField(proto, token string) string { return proto + ":" + token }
