// Package payload parses the flat field map of a publish request into a
// structured, localizable notification payload.
//
// The wire format is a flat map of string fields. Scalar keys (title, msg,
// image, sound, badge, category, incrementBadge, contentAvailable) set the
// matching payload attribute; dotted keys attach localized or named entries,
// e.g. `title.fr` for a French title or `data.orderId` for a data field.
//
// Title and message strings may embed `${keyPath}` template placeholders that
// are substituted at compile time against the payload's `var.*` and `data.*`
// fields, plus the reserved `event.name` path:
//
//	p, err := payload.New(map[string]string{
//		"msg":      "order ${data.orderId} shipped",
//		"msg.fr":   "commande ${data.orderId} expédiée",
//		"data.orderId": "42",
//	})
//	if err != nil {
//		// invalid or empty payload
//	}
//	p.AttachEvent("orders")
//	msg, ok, err := p.LocalizedMessage("fr_CA") // "commande 42 expédiée", true, nil
//
// Localized lookups compile the payload lazily, reporting any template error,
// and fall back from the exact locale tag to the bare language code (for full
// tags like fr_CA) and finally to the `default` entry.
package payload
