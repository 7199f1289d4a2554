package router

import "github.com/tamcore/slackirc/internal/model"

// Event is a tagged upstream-event variant (spec.md §9: "dynamic map
// access on event payloads should become tagged event variants").
// Unknown upstream frame types never produce an Event at all — they
// are ignored at the transport boundary.
type Event interface {
	isEvent()
}

type PresenceChangeEvent struct {
	UserID   string
	Presence model.Presence
}

func (PresenceChangeEvent) isEvent() {}

// ManualPresenceChangeEvent always concerns self; it is the
// confirmation of an AWAY command.
type ManualPresenceChangeEvent struct {
	Presence model.Presence
}

func (ManualPresenceChangeEvent) isEvent() {}

type IMOpenEvent struct {
	UserID    string
	ChannelID string
}

func (IMOpenEvent) isEvent() {}

type IMOpenFailedEvent struct {
	UserID string
	Reason string
}

func (IMOpenFailedEvent) isEvent() {}

type IMCloseEvent struct {
	UserID string
}

func (IMCloseEvent) isEvent() {}

type ChannelJoinedEvent struct {
	Kind     model.ChannelKind
	Snapshot model.ChannelSnapshot
}

func (ChannelJoinedEvent) isEvent() {}

type ChannelLeftEvent struct {
	ChannelID string
}

func (ChannelLeftEvent) isEvent() {}

type ChannelArchiveEvent struct {
	ChannelID string
}

func (ChannelArchiveEvent) isEvent() {}

type MemberJoinedChannelEvent struct {
	UserID    string
	ChannelID string
}

func (MemberJoinedChannelEvent) isEvent() {}

type MemberLeftChannelEvent struct {
	UserID    string
	ChannelID string
}

func (MemberLeftChannelEvent) isEvent() {}

// MessageEvent covers both channel and direct messages; ChannelID is
// empty for a pure direct message with no channel context.
type MessageEvent struct {
	ChannelID   string
	IsChannel   bool
	UserID      string
	CommentUser string
	BotID       string
	Text        string
	TS          string
	Subtype     string
	FileID      string
	Attachments []MessageAttachment
}

func (MessageEvent) isEvent() {}

type MessageAttachment struct {
	Title     string
	Text      string
	TitleLink string
}

type PongEvent struct{}

func (PongEvent) isEvent() {}

type ErrorEvent struct {
	Reason string
}

func (ErrorEvent) isEvent() {}

// SendDMRequest is not an upstream event — it is posted by the IRC
// side (PRIVMSG to a user) and handled with the same serialization as
// upstream events so DM-queue mutation has exactly one writer.
type SendDMRequest struct {
	UserID string
	Text   string
}

func (SendDMRequest) isEvent() {}

// UserResolvedEvent carries a deferred users.info response back to
// the router (spec.md §4.2: record_unknown_user's async enrichment).
type UserResolvedEvent struct {
	Snapshot model.UserSnapshot
}

func (UserResolvedEvent) isEvent() {}

// resolveUser picks the event's acting user id per spec.md §4.7:
// user, then comment.user, then bot_id.
func (m MessageEvent) resolveUser() string {
	if m.UserID != "" {
		return m.UserID
	}
	if m.CommentUser != "" {
		return m.CommentUser
	}
	return m.BotID
}
