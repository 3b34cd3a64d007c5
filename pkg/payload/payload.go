package payload

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultLocale is the map key holding the unlocalized fallback for title and
// message entries.
const DefaultLocale = "default"

var (
	localeFormat = regexp.MustCompile(`^[a-z]{2}_[A-Z]{2}$`)
	templateVar  = regexp.MustCompile(`\$\{(.*?)\}`)
)

// Payload is the structured, localizable notification content for a single
// publish call. Title and Msg map locale tags to template strings, Data is
// delivered to subscribers verbatim, and template variables (the `var.*`
// fields of the wire format) are substitution inputs that are never delivered.
type Payload struct {
	Title map[string]string
	Msg   map[string]string
	Data  map[string]string

	Image            string
	Sound            string
	Badge            *int
	Category         string
	IncrementBadge   bool
	ContentAvailable bool

	event    string
	vars     map[string]string
	compiled bool
}

// New builds a Payload from a flat string field map as received on the wire.
// Recognized top-level keys are title, msg, image, sound, incrementBadge,
// badge, category and contentAvailable; any other key must use the
// `<prefix>.<subkey>` form with a title, msg, data or var prefix. A payload
// with no title, message and data entries is rejected with ErrEmptyPayload.
func New(fields map[string]string) (*Payload, error) {
	p := &Payload{
		Title:          make(map[string]string),
		Msg:            make(map[string]string),
		Data:           make(map[string]string),
		vars:           make(map[string]string),
		IncrementBadge: true,
	}

	for key, value := range fields {
		if key == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrInvalidPayload)
		}
		switch key {
		case "title":
			p.Title[DefaultLocale] = value
		case "msg":
			p.Msg[DefaultLocale] = value
		case "image":
			p.Image = value
		case "sound":
			p.Sound = value
		case "incrementBadge":
			p.IncrementBadge = value != "false"
		case "badge":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: badge must be an integer, got %q", ErrInvalidPayload, value)
			}
			p.Badge = &n
		case "category":
			p.Category = value
		case "contentAvailable":
			p.ContentAvailable = value != "false"
		default:
			prefix, subkey, found := strings.Cut(key, ".")
			if !found || subkey == "" {
				return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidPayload, key)
			}
			switch prefix {
			case "title":
				p.Title[subkey] = value
			case "msg":
				p.Msg[subkey] = value
			case "data":
				p.Data[subkey] = value
			case "var":
				p.vars[subkey] = value
			default:
				return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidPayload, key)
			}
		}
	}

	if len(p.Title)+len(p.Msg)+len(p.Data) == 0 {
		return nil, ErrEmptyPayload
	}
	return p, nil
}

// Clone returns a deep copy of the payload. Compiling the original after
// cloning does not affect the copy, so a clone taken before compilation
// keeps the raw template text.
func (p *Payload) Clone() *Payload {
	c := *p
	c.Title = make(map[string]string, len(p.Title))
	for k, v := range p.Title {
		c.Title[k] = v
	}
	c.Msg = make(map[string]string, len(p.Msg))
	for k, v := range p.Msg {
		c.Msg[k] = v
	}
	c.Data = make(map[string]string, len(p.Data))
	for k, v := range p.Data {
		c.Data[k] = v
	}
	c.vars = make(map[string]string, len(p.vars))
	for k, v := range p.vars {
		c.vars[k] = v
	}
	if p.Badge != nil {
		badge := *p.Badge
		c.Badge = &badge
	}
	return &c
}

// AttachEvent binds the payload to the event of the current publish so that
// templates can reference the reserved ${event.name} path.
func (p *Payload) AttachEvent(name string) { p.event = name }

// Event returns the name of the event the payload is attached to, if any.
func (p *Payload) Event() string { return p.event }

// Compile rewrites every title and message entry, substituting ${keyPath}
// placeholders with their resolved values. Compile is idempotent; once it
// succeeds, repeat calls are no-ops.
func (p *Payload) Compile() error {
	if p.compiled {
		return nil
	}
	for _, entries := range []map[string]string{p.Title, p.Msg} {
		for lang, tmpl := range entries {
			compiled, err := p.compileTemplate(tmpl)
			if err != nil {
				return err
			}
			entries[lang] = compiled
		}
	}
	p.compiled = true
	return nil
}

// LocalizedTitle resolves the title for the given locale tag, compiling the
// payload templates on first use. The boolean reports whether any localized
// content was found; absence is not an error, but a template that fails to
// compile is.
func (p *Payload) LocalizedTitle(lang string) (string, bool, error) {
	return p.localized(p.Title, lang)
}

// LocalizedMessage resolves the message body for the given locale tag. See
// LocalizedTitle for the resolution rules.
func (p *Payload) LocalizedMessage(lang string) (string, bool, error) {
	return p.localized(p.Msg, lang)
}

// localized resolves in fixed precedence: exact locale match, 2-letter
// language prefix for full locale tags (en_GB -> en), then the default entry.
func (p *Payload) localized(entries map[string]string, lang string) (string, bool, error) {
	if err := p.Compile(); err != nil {
		return "", false, err
	}
	if v, ok := entries[lang]; ok {
		return v, true, nil
	}
	if localeFormat.MatchString(lang) {
		if v, ok := entries[lang[:2]]; ok {
			return v, true, nil
		}
	}
	if v, ok := entries[DefaultLocale]; ok {
		return v, true, nil
	}
	return "", false, nil
}

func (p *Payload) compileTemplate(tmpl string) (string, error) {
	var firstErr error
	out := templateVar.ReplaceAllStringFunc(tmpl, func(match string) string {
		keyPath := match[2 : len(match)-1]
		v, err := p.variable(keyPath)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// variable resolves a template key path. `event.name` is reserved; every
// other path must start with `var.` or `data.` and resolve against the
// matching mapping.
func (p *Payload) variable(keyPath string) (string, error) {
	if keyPath == "event.name" {
		if p.event == "" {
			return "", fmt.Errorf("%w: ${%s}", ErrMissingVariable, keyPath)
		}
		return p.event, nil
	}

	prefix, key, _ := strings.Cut(keyPath, ".")
	var entries map[string]string
	switch prefix {
	case "var":
		entries = p.vars
	case "data":
		entries = p.Data
	default:
		return "", fmt.Errorf("%w: ${%s}", ErrInvalidVariableNamespace, keyPath)
	}
	v, ok := entries[key]
	if !ok {
		return "", fmt.Errorf("%w: ${%s}", ErrMissingVariable, keyPath)
	}
	return v, nil
}
