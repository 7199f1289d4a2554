// Package router owns the world model and is the only component
// allowed to mutate it. It receives upstream events and IRC-side
// intents on a single channel, processes them one at a time on one
// goroutine, and fans resulting IRC traffic out to every ready
// client. Serializing all mutation through one goroutine is the
// concurrency model spec.md §5 calls for — it replaces matterircd's
// sync.RWMutex with a single-writer channel, which is the idiomatic
// Go analogue of a cooperative single-threaded event loop.
package router

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"github.com/sorcix/irc"

	"github.com/tamcore/slackirc/internal/model"
)

// ReadyClient is the narrow view of an IRC connection the router
// needs: its current nick (for self-reference substitution) and a
// way to write messages to it.
type ReadyClient interface {
	Nick() string
	Encode(msgs ...*irc.Message) error
}

// ClientSink lets the router reach every ready IRC client without
// depending on the ircd package (avoiding an import cycle: ircd
// depends on router, not the other way around).
type ClientSink interface {
	ForEachReady(fn func(ReadyClient))
}

// MarkScheduler lets the router ask the upstream session to debounce
// a read-mark for a channel (spec.md §4.3).
type MarkScheduler interface {
	ScheduleMark(channelID string, kind model.ChannelKind, ts string)
}

// DMOpener lets the router ask the upstream session to open a direct
// message conduit (im.open) when a queued send needs one.
type DMOpener interface {
	OpenDM(userID string)
}

// FileFetcher resolves a file_share attachment's body for inline
// display.
type FileFetcher interface {
	FetchFileBody(fileID string) (string, bool)
}

// Poster sends a plain text message to an upstream channel or DM
// conduit, reporting (rather than propagating) delivery failure — used
// both for ordinary outbound PRIVMSGs and for flushing a user's
// tx_queue once its DM conduit opens.
type Poster interface {
	PostMessage(channelID, text string)
}

// UserResolver lets the router ask the upstream session to enrich a
// stub user (one created by RecordUnknownUser with only an id) via an
// asynchronous users.info call (spec.md §4.2).
type UserResolver interface {
	ResolveUser(userID string)
}

// Router is the sole mutator of the World.
type Router struct {
	world    *model.World
	clients  ClientSink
	marker   MarkScheduler
	dmOpener DMOpener
	files    FileFetcher
	poster   Poster
	resolver UserResolver
	log      *logger.Logger

	msgs chan func(*Router)
}

// New constructs a Router. world must not be touched by any other
// goroutine once this call returns.
func New(world *model.World, clients ClientSink, marker MarkScheduler, dmOpener DMOpener, files FileFetcher, poster Poster, log *logger.Logger) *Router {
	return &Router{
		world:    world,
		clients:  clients,
		marker:   marker,
		dmOpener: dmOpener,
		files:    files,
		poster:   poster,
		log:      log,
		msgs:     make(chan func(*Router)),
	}
}

// SetClients wires the IRC listener in once it exists. The composition
// root needs this because the listener's constructor takes the router
// and the upstream session's constructor takes the listener as its
// TeardownSink/LiveNotifier — breaking the three-way construction
// cycle requires wiring one edge after the fact.
func (r *Router) SetClients(clients ClientSink) {
	r.clients = clients
}

// SetCollaborators wires the upstream session's router-facing
// interfaces in once it exists, for the same reason as SetClients.
func (r *Router) SetCollaborators(marker MarkScheduler, dmOpener DMOpener, files FileFetcher, poster Poster, resolver UserResolver) {
	r.marker = marker
	r.dmOpener = dmOpener
	r.files = files
	r.poster = poster
	r.resolver = resolver
}

// resolveStubs fires an async enrichment call for every id, if a
// resolver is wired. Used right after RecordUnknownUser so a stub
// user's real nick/name arrive as soon as users.info answers.
func (r *Router) resolveStubs(ids []string) {
	if r.resolver == nil {
		return
	}
	for _, id := range ids {
		r.resolver.ResolveUser(id)
	}
}

// Run drains the router's mutation queue until ctx is cancelled. It
// is meant to run on its own goroutine for the program's lifetime.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-r.msgs:
			fn(r)
		}
	}
}

// Post enqueues fn to run on the router goroutine without waiting for
// it to complete. Used for upstream events and other fire-and-forget
// mutations.
func (r *Router) Post(fn func(*Router)) {
	r.msgs <- fn
}

// Do runs fn against the world on the router goroutine and blocks
// until it has completed, so the caller can safely read (or write)
// world state through fn without racing the router's own mutations.
// IRC command handlers use this for read-only world queries (NAMES,
// WHO, WHOIS, nick-collision checks) and for translation lookups.
func (r *Router) Do(fn func(*model.World)) {
	done := make(chan struct{})
	r.msgs <- func(rt *Router) {
		fn(rt.world)
		close(done)
	}
	<-done
}

// Apply posts an upstream event for serialized processing.
func (r *Router) Apply(ev Event) {
	r.Post(func(rt *Router) { rt.apply(ev) })
}

func (r *Router) apply(ev Event) {
	switch e := ev.(type) {
	case PresenceChangeEvent:
		r.applyPresenceChange(e.UserID, e.Presence)
	case ManualPresenceChangeEvent:
		r.applyPresenceChange(r.world.SelfID, e.Presence)
	case IMOpenEvent:
		queued := r.world.SetDMPresent(e.UserID, e.ChannelID)
		for _, body := range queued {
			r.poster.PostMessage(e.ChannelID, body)
		}
	case IMOpenFailedEvent:
		queued := r.world.ClearDM(e.UserID)
		for _, body := range queued {
			r.notice("Could not deliver: " + body)
		}
	case IMCloseEvent:
		r.world.ClearDM(e.UserID)
	case ChannelJoinedEvent:
		c, stubbed := r.world.UpdateChannel(e.Kind, e.Snapshot)
		r.world.JoinChannel(r.world.SelfID, c.ID)
		r.broadcastSelfJoin(c)
		r.resolveStubs(stubbed)
	case ChannelLeftEvent:
		if r.world.PartChannel(r.world.SelfID, e.ChannelID) {
			r.broadcastSelfPart(e.ChannelID)
		}
	case ChannelArchiveEvent:
		if r.world.PartChannel(r.world.SelfID, e.ChannelID) {
			r.broadcastSelfPart(e.ChannelID)
		}
		r.world.DeleteChannel(e.ChannelID)
	case MemberJoinedChannelEvent:
		if _, ok := r.world.Users[e.UserID]; !ok {
			r.world.RecordUnknownUser(e.UserID)
			r.resolveStubs([]string{e.UserID})
		}
		if r.world.JoinChannel(e.UserID, e.ChannelID) {
			r.broadcastMemberJoin(e.UserID, e.ChannelID)
		}
	case MemberLeftChannelEvent:
		if r.world.PartChannel(e.UserID, e.ChannelID) {
			r.broadcastMemberPart(e.UserID, e.ChannelID)
		}
	case MessageEvent:
		r.applyMessage(e)
	case PongEvent:
		// upstream ping counter reset happens in the session; nothing
		// to mutate in the world.
	case ErrorEvent:
		r.notice("API error: " + e.Reason)
	case SendDMRequest:
		r.applySendDM(e)
	case UserResolvedEvent:
		r.applyUserResolved(e.Snapshot)
	}
}

// applyUserResolved applies a deferred users.info response, but only
// while the target is still an unenriched stub — a later event may
// already have supplied real attributes for the same id, and that
// update must win (spec.md §5's rtm_record_unknown_uid ordering
// property).
func (r *Router) applyUserResolved(snap model.UserSnapshot) {
	if u, ok := r.world.Users[snap.ID]; ok && !u.Stub {
		return
	}
	r.world.UpdateUser(snap)
}

func (r *Router) applyPresenceChange(userID string, p model.Presence) {
	changed := r.world.SetPresence(userID, p)
	if changed && userID == r.world.SelfID {
		r.broadcastSelfPresence(p)
	}
}

func (r *Router) applySendDM(req SendDMRequest) {
	u, ok := r.world.Users[req.UserID]
	if !ok {
		return
	}
	switch u.DMState {
	case model.DMPresent:
		r.poster.PostMessage(u.DMID, req.Text)
	case model.DMAbsent:
		r.world.SetDMPending(req.UserID)
		r.world.EnqueueDM(req.UserID, req.Text)
		r.dmOpener.OpenDM(req.UserID)
	case model.DMPending:
		r.world.EnqueueDM(req.UserID, req.Text)
	}
}

func (r *Router) applyMessage(e MessageEvent) {
	uid := e.resolveUser()
	if uid == "" {
		return
	}
	if _, ok := r.world.Users[uid]; !ok {
		r.world.RecordUnknownUser(uid)
		r.resolveStubs([]string{uid})
	}

	if e.IsChannel {
		c, ok := r.world.Channels[e.ChannelID]
		if !ok {
			return
		}
		if e.Subtype == "channel_topic" || e.Subtype == "group_topic" {
			c.Topic = e.Text
			r.broadcastTopic(c)
			return
		}
		r.broadcastChannelMessage(uid, c, e)
		r.marker.ScheduleMark(c.ID, c.Kind, e.TS)
		return
	}

	r.broadcastDirectMessage(uid, e)
}

func (r *Router) notice(text string) {
	r.clients.ForEachReady(func(c ReadyClient) {
		c.Encode(&irc.Message{
			Prefix:   &irc.Prefix{Name: "localhost"},
			Command:  irc.NOTICE,
			Params:   []string{c.Nick()},
			Trailing: text,
		})
	})
}

func (r *Router) broadcastSelfJoin(c *model.Channel) {
	r.clients.ForEachReady(func(client ReadyClient) {
		client.Encode(&irc.Message{
			Prefix:  &irc.Prefix{Name: client.Nick()},
			Command: irc.JOIN,
			Params:  []string{c.Name},
		})
	})
}

// broadcastTopic fans out a TOPIC change to every ready client
// (spec.md §4.5: "broadcast follows via event").
func (r *Router) broadcastTopic(c *model.Channel) {
	r.clients.ForEachReady(func(client ReadyClient) {
		client.Encode(&irc.Message{
			Prefix:   &irc.Prefix{Name: "localhost"},
			Command:  irc.TOPIC,
			Params:   []string{c.Name},
			Trailing: c.Topic,
		})
	})
}

func (r *Router) broadcastSelfPart(channelID string) {
	c, ok := r.world.Channels[channelID]
	name := channelID
	if ok {
		name = c.Name
	}
	r.clients.ForEachReady(func(client ReadyClient) {
		client.Encode(&irc.Message{
			Prefix:  &irc.Prefix{Name: client.Nick()},
			Command: irc.PART,
			Params:  []string{name},
		})
	})
}

func (r *Router) broadcastMemberJoin(userID, channelID string) {
	u := r.world.Users[userID]
	c, ok := r.world.Channels[channelID]
	if !ok || u == nil {
		return
	}
	r.clients.ForEachReady(func(client ReadyClient) {
		client.Encode(&irc.Message{
			Prefix:  &irc.Prefix{Name: u.Nick, User: u.Nick, Host: "slack"},
			Command: irc.JOIN,
			Params:  []string{c.Name},
		})
	})
}

func (r *Router) broadcastMemberPart(userID, channelID string) {
	u := r.world.Users[userID]
	c, ok := r.world.Channels[channelID]
	if !ok || u == nil {
		return
	}
	r.clients.ForEachReady(func(client ReadyClient) {
		client.Encode(&irc.Message{
			Prefix:  &irc.Prefix{Name: u.Nick, User: u.Nick, Host: "slack"},
			Command: irc.PART,
			Params:  []string{c.Name},
		})
	})
}

func (r *Router) broadcastSelfPresence(p model.Presence) {
	cmd := "306"
	trailing := "You are now marked as being away"
	if p == model.PresenceActive {
		cmd = "305"
		trailing = "You are no longer marked as being away"
	}
	r.clients.ForEachReady(func(client ReadyClient) {
		client.Encode(&irc.Message{
			Prefix:   &irc.Prefix{Name: "localhost"},
			Command:  cmd,
			Params:   []string{client.Nick()},
			Trailing: trailing,
		})
	})
}

// maxInlineFileBytes bounds a file_share body inlined into a message
// (spec.md §8: a body of exactly 65536 bytes is emitted inline, one
// byte more is suppressed). Mirrors internal/ircd/gateway.go's
// maxCatBytes for the `cat` gateway command; the bound is duplicated
// in the two packages rather than shared.
const maxInlineFileBytes = 65536

// fetchInlineFile resolves a file_share attachment's body for inline
// display, suppressing bodies over maxInlineFileBytes rather than the
// whole message.
func (r *Router) fetchInlineFile(e MessageEvent) string {
	if e.Subtype != "file_share" || e.FileID == "" || r.files == nil {
		return ""
	}
	body, ok := r.files.FetchFileBody(e.FileID)
	if !ok || len(body) > maxInlineFileBytes {
		return ""
	}
	return body
}

func (r *Router) broadcastChannelMessage(userID string, c *model.Channel, e MessageEvent) {
	u := r.world.Users[userID]
	if u == nil {
		return
	}
	fileBody := r.fetchInlineFile(e)

	text := e.Text
	if fileBody != "" {
		text = text + "\n" + fileBody
	}

	r.clients.ForEachReady(func(client ReadyClient) {
		subtype := e.Subtype
		if fileBody != "" {
			subtype = ">" + e.FileID
		}
		lines := InboundLines(r.world, r.world.SelfID, client.Nick(), text, subtype, attachmentsOf(e))
		for _, line := range lines {
			client.Encode(&irc.Message{
				Prefix:   &irc.Prefix{Name: u.Nick, User: u.Nick, Host: "slack"},
				Command:  irc.PRIVMSG,
				Params:   []string{c.Name},
				Trailing: line,
			})
		}
	})
}

func (r *Router) broadcastDirectMessage(userID string, e MessageEvent) {
	u := r.world.Users[userID]
	if u == nil {
		return
	}
	fileBody := r.fetchInlineFile(e)

	text := e.Text
	if fileBody != "" {
		text = text + "\n" + fileBody
	}

	r.clients.ForEachReady(func(client ReadyClient) {
		subtype := e.Subtype
		if fileBody != "" {
			subtype = ">" + e.FileID
		}
		lines := InboundLines(r.world, r.world.SelfID, client.Nick(), text, subtype, attachmentsOf(e))
		for _, line := range lines {
			client.Encode(&irc.Message{
				Prefix:   &irc.Prefix{Name: u.Nick, User: u.Nick, Host: "slack"},
				Command:  irc.PRIVMSG,
				Params:   []string{client.Nick()},
				Trailing: line,
			})
		}
	})
}

func attachmentsOf(e MessageEvent) []MessageAttachment { return e.Attachments }
