// Package upstream implements the persistent real-time session with
// Slack: the bootstrap snapshot, the RTM event stream, heartbeat,
// read-mark batching, direct-message queueing, teardown and
// reconnect (spec.md §4.3). Transport details are narrowed behind the
// API interface so the session and the rest of the core do not depend
// on slack-go directly.
package upstream

import (
	"context"

	"github.com/slack-go/slack"

	"github.com/tamcore/slackirc/internal/model"
)

// BootstrapSnapshot is everything the bootstrap handshake (rtm.start)
// hands back: the local identity plus every user, public channel,
// group and already-open DM the session starts out knowing about.
type BootstrapSnapshot struct {
	SelfID   string
	SelfNick string

	Users          []model.UserSnapshot
	PublicChannels []model.ChannelSnapshot
	Groups         []model.ChannelSnapshot

	// OpenDMs maps a user id to its already-open DM channel id.
	OpenDMs map[string]string
}

// API is the narrow surface the session needs from the upstream
// transport. A concrete implementation wraps *slack.Client and
// *slack.RTM (see SlackAPI).
type API interface {
	// Start performs the handshake (rtm.start) and returns the
	// bootstrap snapshot plus the live event stream. The returned
	// channel is closed when the stream ends (teardown or error).
	Start(ctx context.Context) (BootstrapSnapshot, <-chan slack.RTMEvent, error)

	// Stop tears the transport down: closes the RTM connection and
	// cancels in-flight calls.
	Stop()

	UserInfo(id string) (model.UserSnapshot, error)
	SetPresence(p model.Presence) error

	IMOpen(userID string) (channelID string, err error)
	IMClose(dmID string) error

	ChannelJoin(name string) (model.ChannelSnapshot, error)
	ChannelLeave(id string) error
	ChannelArchive(id string) error
	GroupOpen(name string) (model.ChannelSnapshot, error)
	GroupClose(id string) error

	SetTopic(id string, kind model.ChannelKind, topic string) error
	Mark(id string, kind model.ChannelKind, ts string) error
	Invite(id string, kind model.ChannelKind, userID string) error
	Kick(id string, kind model.ChannelKind, userID string) error

	PostMessage(id, text string) (ts string, err error)
	FileBody(fileID string) (string, error)
}
