package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"github.com/dmitrymomot/pushbroker/pkg/registry"
)

var (
	errMalformedBody = errors.New("malformed request body")
	errInvalidBadge  = errors.New("badge must be an integer")
)

// parseBody reads the request body as a flat string field map. Both JSON
// objects and form encoding are accepted; an empty body yields an empty map.
func parseBody(r *http.Request) (map[string]string, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		return parseJSONFields(r)
	}

	if err := r.ParseForm(); err != nil {
		return nil, errors.Join(errMalformedBody, err)
	}
	fields := make(map[string]string, len(r.PostForm))
	for key, values := range r.PostForm {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	return fields, nil
}

// parseJSONFields flattens a JSON object of scalars into strings. Numbers
// keep their literal form so integer badge values survive the round trip.
func parseJSONFields(r *http.Request) (map[string]string, error) {
	raw := make(map[string]any)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Join(errMalformedBody, err)
	}

	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			fields[key] = v
		case json.Number:
			fields[key] = v.String()
		case bool:
			fields[key] = strconv.FormatBool(v)
		default:
			return nil, fmt.Errorf("%w: field %q is not a scalar", errMalformedBody, key)
		}
	}
	return fields, nil
}

// filterFields whitelists the subscriber fields a client may set and coerces
// them into typed form. Unknown keys are dropped at the boundary.
func filterFields(fields map[string]string) (registry.Fields, error) {
	var f registry.Fields
	for key, value := range fields {
		switch key {
		case "proto":
			f.Proto = value
		case "token":
			f.Token = value
		case "lang":
			f.Lang = normalizeLang(value)
		case "category":
			f.Category = value
		case "badge":
			badge, err := strconv.Atoi(value)
			if err != nil {
				return registry.Fields{}, errInvalidBadge
			}
			f.Badge = &badge
		}
	}
	return f, nil
}

// normalizeLang canonicalizes a language tag into the underscore form the
// payload localizer matches on (fr-CA and fr_ca both become fr_CA).
// Unparseable values pass through untouched; they simply never match a
// localized entry.
func normalizeLang(lang string) string {
	tag, err := language.Parse(strings.ReplaceAll(lang, "_", "-"))
	if err != nil {
		return lang
	}
	return strings.ReplaceAll(tag.String(), "-", "_")
}
