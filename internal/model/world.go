// Package model implements the in-memory world: users, channels,
// presence, and the local identity. It is pure state — the only
// mutator is the event router (see internal/router).
package model

// Presence is a user's away-state.
type Presence int

const (
	PresenceActive Presence = iota
	PresenceAway
)

// DMState tracks the three states of a user's direct-message
// conduit: no session, open-in-progress, or usable.
type DMState int

const (
	DMAbsent DMState = iota
	DMPending
	DMPresent
)

// User is a remote identity projected into the world.
type User struct {
	ID       string
	Nick     string
	RealName string
	Presence Presence

	Channels map[string]struct{} // channel id set

	DMID    string
	DMState DMState
	TxQueue []string

	// Stub is true for a user created by RecordUnknownUser that has
	// not yet been enriched by a real snapshot (bootstrap, message
	// author lookup, or a deferred users.info response). It guards
	// against a late users.info reply overwriting attributes a more
	// recent event already supplied.
	Stub bool
}

// ChannelKind distinguishes Slack's two membership namespaces.
type ChannelKind int

const (
	ChannelPublic ChannelKind = iota
	ChannelGroup
)

// Channel is a public channel or private group.
type Channel struct {
	ID      string
	Name    string
	Kind    ChannelKind
	Topic   string
	Members map[string]struct{} // user id set
}

// UserSnapshot is the subset of remote user attributes update_user
// needs; it is what a bootstrap snapshot or a users.info response
// supplies.
type UserSnapshot struct {
	ID       string
	Name     string
	RealName string
	Presence Presence
}

// ChannelSnapshot is the subset of remote channel attributes
// update_channel needs.
type ChannelSnapshot struct {
	ID      string
	Name    string
	Topic   string
	Members []string
}

// World holds every User and Channel known while the upstream session
// is live, plus the secondary lookup indices required to stay O(1) on
// nick/name/dm-id lookups. It is not safe for concurrent mutation;
// the router is its sole owner and mutates it from one goroutine.
type World struct {
	SelfID string

	Users    map[string]*User
	Channels map[string]*Channel

	usersByName    map[string]*User // folded nick -> user
	channelsByName map[string]*Channel // folded name -> channel
	usersByDMID    map[string]*User
}

// NewWorld returns an empty world, as it is between sessions.
func NewWorld() *World {
	return &World{
		Users:          map[string]*User{},
		Channels:       map[string]*Channel{},
		usersByName:    map[string]*User{},
		channelsByName: map[string]*Channel{},
		usersByDMID:    map[string]*User{},
	}
}

// Reset atomically discards all world state, as required on session
// teardown.
func (w *World) Reset() {
	w.SelfID = ""
	w.Users = map[string]*User{}
	w.Channels = map[string]*Channel{}
	w.usersByName = map[string]*User{}
	w.channelsByName = map[string]*Channel{}
	w.usersByDMID = map[string]*User{}
}

func (w *World) namesTaken() Taken { return FoldedSet[*User](w.usersByName) }
func (w *World) chansTaken() Taken { return FoldedSet[*Channel](w.channelsByName) }

// UserByNick looks a user up by case-folded nick.
func (w *World) UserByNick(nick string) (*User, bool) {
	u, ok := w.usersByName[FoldName(nick)]
	return u, ok
}

// UserByDMID looks a user up by its direct-message channel id.
func (w *World) UserByDMID(dmID string) (*User, bool) {
	u, ok := w.usersByDMID[dmID]
	return u, ok
}

// ChannelByName looks a channel up by case-folded name.
func (w *World) ChannelByName(name string) (*Channel, bool) {
	c, ok := w.channelsByName[FoldName(name)]
	return c, ok
}

func (w *World) indexUser(u *User) {
	w.Users[u.ID] = u
	w.usersByName[FoldName(u.Nick)] = u
	if u.DMState == DMPresent {
		w.usersByDMID[u.DMID] = u
	}
}

func (w *World) unindexNick(u *User) {
	if existing, ok := w.usersByName[FoldName(u.Nick)]; ok && existing == u {
		delete(w.usersByName, FoldName(u.Nick))
	}
}

// UpdateUser creates or refreshes a user from a remote snapshot. If
// the user already exists its nick is re-arbitrated against the
// current map; a changed nick is reported via the bool return so the
// caller can broadcast NICK. A newly created user gets an arbitrated
// nick, empty channel/tx_queue state, and active presence unless the
// snapshot says otherwise.
func (w *World) UpdateUser(snap UserSnapshot) (u *User, oldNick string, nickChanged bool) {
	if existing, ok := w.Users[snap.ID]; ok {
		oldNick = existing.Nick
		w.unindexNick(existing)
		newNick := Arbitrate(snap.Name, w.namesTaken())
		existing.Nick = newNick
		existing.RealName = snap.RealName
		existing.Stub = false
		w.indexUser(existing)
		return existing, oldNick, newNick != oldNick
	}

	nick := Arbitrate(snap.Name, w.namesTaken())
	u = &User{
		ID:       snap.ID,
		Nick:     nick,
		RealName: snap.RealName,
		Presence: PresenceActive,
		Channels: map[string]struct{}{},
	}
	if snap.Presence == PresenceAway {
		u.Presence = PresenceAway
	}
	w.indexUser(u)
	return u, "", false
}

// RecordUnknownUser stub-creates a user referenced by id alone
// (e.g. a message/member event seen before the bootstrap snapshot
// named it). The caller is expected to fire an async users.info call
// and re-run UpdateUser with the real attributes once it returns.
func (w *World) RecordUnknownUser(id string) *User {
	if u, ok := w.Users[id]; ok {
		return u
	}
	nick := Arbitrate("user-"+id, w.namesTaken())
	u := &User{
		ID:       id,
		Nick:     nick,
		Presence: PresenceActive,
		Channels: map[string]struct{}{},
		Stub:     true,
	}
	w.indexUser(u)
	return u
}

// UpdateChannel creates or refreshes a channel. Name arbitration only
// happens on first creation so existing references (member lists,
// JOIN/PART history) stay stable across topic/membership updates.
// Every member id is ensured to exist (stubbed if necessary) and the
// bidirectional membership link is established. For closed groups the
// self id is excluded from membership. The second return value lists
// member ids that were stub-created by this call, so the caller can
// fire off enrichment for them.
func (w *World) UpdateChannel(kind ChannelKind, snap ChannelSnapshot) (*Channel, []string) {
	c, exists := w.Channels[snap.ID]
	if !exists {
		name := snap.Name
		if kind == ChannelGroup {
			name = "+" + name
		}
		c = &Channel{
			ID:      snap.ID,
			Name:    Arbitrate(name, w.chansTaken()),
			Kind:    kind,
			Members: map[string]struct{}{},
		}
		w.Channels[c.ID] = c
		w.channelsByName[FoldName(c.Name)] = c
	}

	c.Kind = kind
	c.Topic = snap.Topic

	var stubbed []string
	for _, uid := range snap.Members {
		if kind == ChannelGroup && uid == w.SelfID {
			continue
		}
		u, ok := w.Users[uid]
		if !ok {
			u = w.RecordUnknownUser(uid)
			stubbed = append(stubbed, uid)
		}
		c.Members[uid] = struct{}{}
		u.Channels[c.ID] = struct{}{}
	}

	return c, stubbed
}

// DeleteChannel removes the bidirectional membership links from every
// member user, then drops the channel. Used on archive.
func (w *World) DeleteChannel(id string) {
	c, ok := w.Channels[id]
	if !ok {
		return
	}
	for uid := range c.Members {
		if u, ok := w.Users[uid]; ok {
			delete(u.Channels, id)
		}
	}
	delete(w.channelsByName, FoldName(c.Name))
	delete(w.Channels, id)
}

// JoinChannel links user and channel bidirectionally. Returns whether
// state changed (false if already a member), so callers can suppress
// duplicate IRC JOIN lines.
func (w *World) JoinChannel(userID, channelID string) bool {
	u, uok := w.Users[userID]
	c, cok := w.Channels[channelID]
	if !uok || !cok {
		return false
	}
	if _, already := c.Members[userID]; already {
		return false
	}
	c.Members[userID] = struct{}{}
	u.Channels[channelID] = struct{}{}
	return true
}

// PartChannel unlinks user and channel bidirectionally. Returns
// whether state changed.
func (w *World) PartChannel(userID, channelID string) bool {
	u, uok := w.Users[userID]
	c, cok := w.Channels[channelID]
	if !uok || !cok {
		return false
	}
	if _, member := c.Members[userID]; !member {
		return false
	}
	delete(c.Members, userID)
	delete(u.Channels, channelID)
	return true
}

// SetNick re-arbitrates a user's nick (used for self-rename via IRC
// NICK post-welcome). Returns the new nick and whether it changed.
func (w *World) SetNick(userID, proposed string) (string, bool) {
	u, ok := w.Users[userID]
	if !ok {
		return "", false
	}
	old := u.Nick
	w.unindexNick(u)
	u.Nick = Arbitrate(proposed, w.namesTaken())
	w.indexUser(u)
	return u.Nick, u.Nick != old
}

// SetDMPending transitions a user's DM state to pending, used right
// before im.open is called.
func (w *World) SetDMPending(userID string) {
	if u, ok := w.Users[userID]; ok {
		u.DMState = DMPending
	}
}

// SetDMPresent binds a user's DM channel id and returns the queued
// messages to flush, in FIFO order, emptying the queue.
func (w *World) SetDMPresent(userID, dmID string) []string {
	u, ok := w.Users[userID]
	if !ok {
		return nil
	}
	u.DMState = DMPresent
	u.DMID = dmID
	w.usersByDMID[dmID] = u
	queued := u.TxQueue
	u.TxQueue = nil
	return queued
}

// ClearDM drains and returns the tx_queue and resets DM state to
// absent, used when im.open fails.
func (w *World) ClearDM(userID string) []string {
	u, ok := w.Users[userID]
	if !ok {
		return nil
	}
	if u.DMID != "" {
		delete(w.usersByDMID, u.DMID)
	}
	u.DMState = DMAbsent
	u.DMID = ""
	queued := u.TxQueue
	u.TxQueue = nil
	return queued
}

// EnqueueDM appends text to a user's pending outbound queue.
func (w *World) EnqueueDM(userID, text string) {
	if u, ok := w.Users[userID]; ok {
		u.TxQueue = append(u.TxQueue, text)
	}
}

// SetPresence updates a user's presence, returning whether it changed.
func (w *World) SetPresence(userID string, p Presence) bool {
	u, ok := w.Users[userID]
	if !ok {
		return false
	}
	changed := u.Presence != p
	u.Presence = p
	return changed
}
