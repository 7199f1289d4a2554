package ircd

import (
	"strings"

	"github.com/sorcix/irc"
)

// sanitizeParam strips control characters and the leading colon from
// a short argument, replacing an argument left empty by the strip
// with "*" (spec.md §4.4).
func sanitizeParam(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\t', '\r', '\n', 0, ' ':
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimPrefix(b.String(), ":")
	if out == "" {
		return "*"
	}
	return out
}

var trailingReplacer = strings.NewReplacer("\r", " ", "\n", " ", "\x00", " ")

func sanitizeTrailing(s string) string {
	return trailingReplacer.Replace(s)
}

// sanitizeMessage returns a copy of m with every short argument and
// the long argument sanitized for the wire.
func sanitizeMessage(m *irc.Message) *irc.Message {
	out := *m
	if len(m.Params) > 0 {
		params := make([]string, len(m.Params))
		for i, p := range m.Params {
			params[i] = sanitizeParam(p)
		}
		out.Params = params
	}
	if m.Trailing != "" {
		out.Trailing = sanitizeTrailing(m.Trailing)
	}
	return &out
}
