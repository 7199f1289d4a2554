package upstream

import (
	"context"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/tamcore/slackirc/internal/model"
	"github.com/tamcore/slackirc/internal/router"
)

type state int

const (
	stateIdle state = iota
	stateBootstrapping
	stateLive
	stateTearingDown
	stateCooling
)

const (
	pingInterval  = 60 * time.Second
	markDebounce  = 5 * time.Second
	cooldownDelay = 5 * time.Second
)

// TeardownSink lets the session reach the IRC listener to broadcast a
// reason and evict every authed client on teardown, without the
// upstream package depending on ircd (avoiding an import cycle).
type TeardownSink interface {
	Teardown(reason string)
}

// LiveNotifier lets the session tell the IRC listener that the world
// just finished bootstrapping, so any client waiting at "Waiting for
// RTM connection" can be welcomed (spec.md §8 scenario 1).
type LiveNotifier interface {
	NotifyLive()
}

// Session is the upstream lifecycle manager: bootstrap, heartbeat,
// read-mark batching, DM queueing, teardown and cooldown/retry
// (spec.md §4.3). It implements router.MarkScheduler, router.DMOpener,
// router.Poster and router.FileFetcher so the router can reach back
// into the upstream transport through narrow interfaces.
type Session struct {
	api      API
	rtr      *router.Router
	teardown TeardownSink
	live     LiveNotifier
	log      *logger.Logger

	mu          sync.Mutex
	st          state
	lastEventAt time.Time

	markMu    sync.Mutex
	markQueue map[string]markEntry
	markTimer *time.Timer
}

type markEntry struct {
	kind model.ChannelKind
	ts   string
}

// New constructs a Session. Call Run to start the bootstrap/live/
// cooldown loop; it blocks until ctx is cancelled.
func New(api API, rtr *router.Router, teardown TeardownSink, live LiveNotifier, log *logger.Logger) *Session {
	return &Session{
		api:       api,
		rtr:       rtr,
		teardown:  teardown,
		live:      live,
		log:       log,
		markQueue: map[string]markEntry{},
	}
}

// Run drives idle -> bootstrapping -> live -> tearing_down -> cooling
// -> bootstrapping ... until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(stateBootstrapping)
		snap, events, err := s.api.Start(ctx)
		if err != nil {
			s.log.WithError(err).Warn("rtm.start failed, cooling down")
			if !s.cooldown(ctx) {
				return
			}
			continue
		}

		s.bootstrapWorld(snap)
		s.setState(stateLive)
		s.touch()
		s.live.NotifyLive()

		liveCtx, cancel := context.WithCancel(ctx)
		reason := s.liveLoop(liveCtx, events)
		cancel()

		s.teardownNow(reason)

		if !s.cooldown(ctx) {
			return
		}
	}
}

func (s *Session) bootstrapWorld(snap BootstrapSnapshot) {
	s.rtr.Do(func(w *model.World) {
		w.Reset()
		w.SelfID = snap.SelfID
		w.UpdateUser(model.UserSnapshot{ID: snap.SelfID, Name: snap.SelfNick})
		for _, u := range snap.Users {
			w.UpdateUser(u)
		}
		for _, c := range snap.PublicChannels {
			w.UpdateChannel(model.ChannelPublic, c)
			w.JoinChannel(snap.SelfID, c.ID)
		}
		for _, c := range snap.Groups {
			w.UpdateChannel(model.ChannelGroup, c)
			w.JoinChannel(snap.SelfID, c.ID)
		}
		for userID, dmID := range snap.OpenDMs {
			w.SetDMPresent(userID, dmID)
		}
	})
}

func (s *Session) liveLoop(ctx context.Context, events <-chan slack.RTMEvent) string {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "session stopped"
		case ev, ok := <-events:
			if !ok {
				return "stream closed"
			}
			s.touch()
			if _, closed := ev.Data.(*slack.DisconnectedEvent); closed {
				return "stream closed"
			}
			s.handleEvent(ev)
		case <-ticker.C:
			if s.pingTimedOut() {
				return "ping timeout"
			}
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastEventAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) pingTimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastEventAt) > 2*pingInterval
}

func (s *Session) setState(st state) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

func (s *Session) teardownNow(reason string) {
	s.mu.Lock()
	if s.st == stateTearingDown || s.st == stateCooling {
		s.mu.Unlock()
		return
	}
	s.st = stateTearingDown
	s.mu.Unlock()

	s.cancelMarkTimer()
	s.api.Stop()
	s.teardown.Teardown(reason)
	s.rtr.Do(func(w *model.World) { w.Reset() })
	s.setState(stateCooling)
}

// cooldown waits 5s, then returns true if the caller should continue
// bootstrapping (false if ctx was cancelled meanwhile).
func (s *Session) cooldown(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(cooldownDelay):
		return true
	}
}

func (s *Session) handleEvent(ev slack.RTMEvent) {
	switch e := ev.Data.(type) {
	case *slack.PresenceChangeEvent:
		s.rtr.Apply(router.PresenceChangeEvent{UserID: e.User, Presence: presenceOf(e.Presence)})
	case *slack.ManualPresenceChangeEvent:
		s.rtr.Apply(router.ManualPresenceChangeEvent{Presence: presenceOf(e.Presence)})
	case *slack.IMOpenEvent:
		s.rtr.Apply(router.IMOpenEvent{UserID: e.User, ChannelID: e.Channel})
	case *slack.IMCloseEvent:
		s.rtr.Apply(router.IMCloseEvent{UserID: e.User})
	case *slack.ChannelJoinedEvent:
		s.rtr.Apply(router.ChannelJoinedEvent{Kind: model.ChannelPublic, Snapshot: snapshotOf(e.Channel)})
	case *slack.GroupJoinedEvent:
		s.rtr.Apply(router.ChannelJoinedEvent{Kind: model.ChannelGroup, Snapshot: snapshotOf(e.Channel)})
	case *slack.ChannelLeftEvent:
		s.rtr.Apply(router.ChannelLeftEvent{ChannelID: e.Channel})
	case *slack.GroupLeftEvent:
		s.rtr.Apply(router.ChannelLeftEvent{ChannelID: e.Channel})
	case *slack.ChannelArchiveEvent:
		s.rtr.Apply(router.ChannelArchiveEvent{ChannelID: e.Channel})
	case *slack.GroupArchiveEvent:
		s.rtr.Apply(router.ChannelArchiveEvent{ChannelID: e.Channel})
	case *slack.MemberJoinedChannelEvent:
		s.rtr.Apply(router.MemberJoinedChannelEvent{UserID: e.User, ChannelID: e.Channel})
	case *slack.MemberLeftChannelEvent:
		s.rtr.Apply(router.MemberLeftChannelEvent{UserID: e.User, ChannelID: e.Channel})
	case *slack.MessageEvent:
		s.handleMessage(e)
	case *slack.LatencyReport:
		s.rtr.Apply(router.PongEvent{})
	case *slack.RTMError:
		s.rtr.Apply(router.ErrorEvent{Reason: e.Error()})
	default:
		// unknown frame type: ignored, per spec.md §4.7.
	}
}

func (s *Session) handleMessage(e *slack.MessageEvent) {
	switch e.SubType {
	case "group_join", "channel_join", "group_leave", "channel_leave":
		return
	}

	isChannel := !(len(e.Channel) > 0 && e.Channel[0] == 'D')

	var atts []router.MessageAttachment
	for _, a := range e.Attachments {
		atts = append(atts, router.MessageAttachment{Title: a.Title, Text: a.Text, TitleLink: a.TitleLink})
	}

	fileID := ""
	if e.SubType == "file_share" && len(e.Files) > 0 {
		fileID = e.Files[0].ID
	}

	s.rtr.Apply(router.MessageEvent{
		ChannelID:   e.Channel,
		IsChannel:   isChannel,
		UserID:      e.User,
		CommentUser: commentUserOf(e),
		BotID:       e.BotID,
		Text:        e.Text,
		TS:          e.Timestamp,
		Subtype:     e.SubType,
		FileID:      fileID,
		Attachments: atts,
	})
}

func commentUserOf(e *slack.MessageEvent) string {
	if e.Comment != nil {
		return e.Comment.User
	}
	return ""
}

func presenceOf(p string) model.Presence {
	if p == "away" {
		return model.PresenceAway
	}
	return model.PresenceActive
}

func snapshotOf(c slack.Channel) model.ChannelSnapshot {
	members := make([]string, 0, len(c.Members))
	members = append(members, c.Members...)
	return model.ChannelSnapshot{ID: c.ID, Name: c.Name, Topic: c.Topic.Value, Members: members}
}

// --- router.MarkScheduler --------------------------------------------------

// ScheduleMark implements router.MarkScheduler: it records the
// channel's most recent read-point and arms a 5s flush timer if none
// is pending; later calls do not postpone a pending flush. A later
// call for the same channel overwrites the timestamp, so only
// the last-written mark survives to be sent.
func (s *Session) ScheduleMark(channelID string, kind model.ChannelKind, ts string) {
	s.markMu.Lock()
	defer s.markMu.Unlock()

	s.markQueue[channelID] = markEntry{kind: kind, ts: ts}
	if s.markTimer == nil {
		s.markTimer = time.AfterFunc(markDebounce, s.flushMarks)
	}
}

func (s *Session) flushMarks() {
	s.markMu.Lock()
	queue := s.markQueue
	s.markQueue = map[string]markEntry{}
	s.markTimer = nil
	s.markMu.Unlock()

	for channelID, entry := range queue {
		if err := s.api.Mark(channelID, entry.kind, entry.ts); err != nil {
			s.log.WithError(err).Warnf("mark %s", channelID)
		}
	}
}

func (s *Session) cancelMarkTimer() {
	s.markMu.Lock()
	defer s.markMu.Unlock()
	if s.markTimer != nil {
		s.markTimer.Stop()
		s.markTimer = nil
	}
	s.markQueue = map[string]markEntry{}
}

// --- router.DMOpener --------------------------------------------------------

// OpenDM implements router.DMOpener: it asynchronously calls im.open
// and reports the result back through the router so world mutation
// stays on the router goroutine.
func (s *Session) OpenDM(userID string) {
	go func() {
		dmID, err := s.api.IMOpen(userID)
		if err != nil {
			s.rtr.Apply(router.IMOpenFailedEvent{UserID: userID, Reason: err.Error()})
			return
		}
		s.rtr.Apply(router.IMOpenEvent{UserID: userID, ChannelID: dmID})
	}()
}

// --- router.Poster -----------------------------------------------------------

// PostMessage implements router.Poster: fire-and-forget send with
// per-call upstream errors surfaced as a broadcast NOTICE rather than
// propagated to the caller (spec.md §7).
func (s *Session) PostMessage(channelID, text string) {
	go func() {
		if _, err := s.api.PostMessage(channelID, text); err != nil {
			s.rtr.Apply(router.ErrorEvent{Reason: err.Error()})
		}
	}()
}

// --- router.UserResolver -------------------------------------------------------

// ResolveUser implements router.UserResolver: it asynchronously calls
// users.info and reports the result back through the router, which
// discards it if a later event already enriched the same user
// (spec.md §4.2, §5).
func (s *Session) ResolveUser(userID string) {
	go func() {
		snap, err := s.api.UserInfo(userID)
		if err != nil {
			s.log.WithError(err).Warnf("users.info %s", userID)
			return
		}
		s.rtr.Apply(router.UserResolvedEvent{Snapshot: snap})
	}()
}

// --- router.FileFetcher -------------------------------------------------------

// FetchFileBody implements router.FileFetcher.
func (s *Session) FetchFileBody(fileID string) (string, bool) {
	body, err := s.api.FileBody(fileID)
	if err != nil {
		s.log.WithError(err).Warnf("files.info %s", fileID)
		return "", false
	}
	return body, true
}

// --- dispatch-facing operations ----------------------------------------------

// SendToUser is called by the PRIVMSG dispatcher for a user target.
// Queueing and the im.open dance are handled by the router so they
// stay serialized with every other world mutation.
func (s *Session) SendToUser(userID, text string) {
	s.rtr.Apply(router.SendDMRequest{UserID: userID, Text: text})
}

// SetPresence updates the self presence for AWAY/AWAY-clear.
func (s *Session) SetPresence(away bool) error {
	p := model.PresenceActive
	if away {
		p = model.PresenceAway
	}
	if err := s.api.SetPresence(p); err != nil {
		s.rtr.Apply(router.ErrorEvent{Reason: err.Error()})
		return err
	}
	s.rtr.Apply(router.ManualPresenceChangeEvent{Presence: p})
	return nil
}

// JoinChannel performs groups.open/channels.join and optimistically
// applies the resulting membership so the requesting client does not
// wait for the confirming event.
func (s *Session) JoinChannel(kind model.ChannelKind, name string) error {
	var (
		snap model.ChannelSnapshot
		err  error
	)
	if kind == model.ChannelGroup {
		snap, err = s.api.GroupOpen(name)
	} else {
		snap, err = s.api.ChannelJoin(name)
	}
	if err != nil {
		s.rtr.Apply(router.ErrorEvent{Reason: err.Error()})
		return err
	}
	s.rtr.Apply(router.ChannelJoinedEvent{Kind: kind, Snapshot: snap})
	return nil
}

// PartChannel performs groups.close/channels.leave and optimistically
// applies the part.
func (s *Session) PartChannel(kind model.ChannelKind, channelID string) error {
	var err error
	if kind == model.ChannelGroup {
		err = s.api.GroupClose(channelID)
	} else {
		err = s.api.ChannelLeave(channelID)
	}
	if err != nil {
		s.rtr.Apply(router.ErrorEvent{Reason: err.Error()})
		return err
	}
	s.rtr.Apply(router.ChannelLeftEvent{ChannelID: channelID})
	return nil
}

func (s *Session) SetTopic(kind model.ChannelKind, channelID, topic string) error {
	if err := s.api.SetTopic(channelID, kind, topic); err != nil {
		s.rtr.Apply(router.ErrorEvent{Reason: err.Error()})
		return err
	}
	return nil
}

func (s *Session) Invite(kind model.ChannelKind, channelID, userID string) error {
	if err := s.api.Invite(channelID, kind, userID); err != nil {
		s.rtr.Apply(router.ErrorEvent{Reason: err.Error()})
		return err
	}
	return nil
}

func (s *Session) Kick(kind model.ChannelKind, channelID, userID string) error {
	if err := s.api.Kick(channelID, kind, userID); err != nil {
		s.rtr.Apply(router.ErrorEvent{Reason: err.Error()})
		return err
	}
	return nil
}

// SendToChannel sends a plain channel message.
func (s *Session) SendToChannel(channelID, text string) {
	s.PostMessage(channelID, text)
}

// ArchiveChannel performs channels.archive/groups.archive and
// optimistically applies the departure.
func (s *Session) ArchiveChannel(channelID string) error {
	if err := s.api.ChannelArchive(channelID); err != nil {
		s.rtr.Apply(router.ErrorEvent{Reason: err.Error()})
		return err
	}
	s.rtr.Apply(router.ChannelArchiveEvent{ChannelID: channelID})
	return nil
}

// Disconnect stops the current RTM transport, letting the live loop
// observe the disconnect on the event stream and fall through to teardown and
// the normal cooldown/retry cycle — the gateway "disconnect" command.
func (s *Session) Disconnect() {
	s.api.Stop()
}
