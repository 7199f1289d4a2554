package router

import (
	"regexp"
	"strings"

	"github.com/tamcore/slackirc/internal/model"
)

var (
	outboundUserRef = regexp.MustCompile(`&lt;@([^&]+)&gt;`)
	outboundChanRef = regexp.MustCompile(`&lt;#([^&]+)&gt;`)
	inboundUserRef  = regexp.MustCompile(`<@([A-Za-z0-9_]+)>`)
	inboundChanRef  = regexp.MustCompile(`<#([A-Za-z0-9_]+)>`)
)

// EscapeOutbound implements spec.md §4.6's IRC -> upstream direction:
// HTML-escape &<>" in that order, then rewrite <@nick>/<#name>
// references (now themselves escaped) into <@id>/<#id> using the
// current world's name lookups. References to unknown names are left
// as they are after escaping (e.g. "&lt;@nobody&gt;").
func EscapeOutbound(w *model.World, text string) string {
	escaped := htmlEscape(text)

	escaped = outboundUserRef.ReplaceAllStringFunc(escaped, func(m string) string {
		sub := outboundUserRef.FindStringSubmatch(m)
		nick := sub[1]
		if u, ok := w.UserByNick(nick); ok {
			return "<@" + u.ID + ">"
		}
		return m
	})

	escaped = outboundChanRef.ReplaceAllStringFunc(escaped, func(m string) string {
		sub := outboundChanRef.FindStringSubmatch(m)
		name := sub[1]
		if c, ok := w.ChannelByName(name); ok {
			return "<#" + c.ID + ">"
		}
		return m
	})

	return escaped
}

func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

// InboundLines implements spec.md §4.6's upstream -> IRC direction for
// one recipient: replace <@id>/<#id> references (selfNick substitutes
// for the local identity), unescape HTML entities in the specified
// order, prepend a bold [subtype] marker if present, flatten any
// attachments onto new lines, then split on "\n" so the caller can
// emit one PRIVMSG per line.
func InboundLines(w *model.World, selfID, selfNick string, text, subtype string, attachments []MessageAttachment) []string {
	body := inboundUserRef.ReplaceAllStringFunc(text, func(m string) string {
		sub := inboundUserRef.FindStringSubmatch(m)
		id := sub[1]
		if id == selfID {
			return "<@" + selfNick + ">"
		}
		if u, ok := w.Users[id]; ok {
			return "<@" + u.Nick + ">"
		}
		return m
	})

	body = inboundChanRef.ReplaceAllStringFunc(body, func(m string) string {
		sub := inboundChanRef.FindStringSubmatch(m)
		id := sub[1]
		if c, ok := w.Channels[id]; ok {
			return "<#" + c.Name + ">"
		}
		return m
	})

	body = htmlUnescape(body)

	for _, a := range attachments {
		line := strings.TrimSpace(a.Title + " " + a.Text + " " + a.TitleLink)
		if line != "" {
			body += "\n" + line
		}
	}

	if subtype != "" {
		body = "\x02[" + subtype + "]\x02 " + body
	}

	return strings.Split(body, "\n")
}

func htmlUnescape(s string) string {
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", "\"")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}
