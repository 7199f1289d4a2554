// Package ircd implements the IRC-facing half of the bridge: the
// listener, per-connection registration/ready state, the command
// dispatch table and the X gateway sub-dispatcher (spec.md §4.4-4.6).
// It is grounded on matterircd's mm-go-irckit/server.go: the same
// handshake-then-handle shape, generalized from matterircd's
// multi-backend bridge.User to a single-upstream Client, and from its
// sync.RWMutex server map to a server that defers all world mutation
// to the router and keeps only its own connection bookkeeping local.
package ircd

import (
	"crypto/sha256"
	"crypto/subtle"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
	"github.com/sorcix/irc"

	"github.com/tamcore/slackirc/internal/model"
	"github.com/tamcore/slackirc/internal/router"
)

// Upstream is the narrow surface the ircd package needs from the
// upstream session; *upstream.Session implements it.
type Upstream interface {
	JoinChannel(kind model.ChannelKind, name string) error
	PartChannel(kind model.ChannelKind, channelID string) error
	ArchiveChannel(channelID string) error
	SetTopic(kind model.ChannelKind, channelID, topic string) error
	Invite(kind model.ChannelKind, channelID, userID string) error
	Kick(kind model.ChannelKind, channelID, userID string) error
	SetPresence(away bool) error
	SendToUser(userID, text string)
	SendToChannel(channelID, text string)
	FetchFileBody(fileID string) (string, bool)
	OpenDM(userID string)
	Disconnect()
}

// Config holds the listener and identity settings (spec.md §7).
type Config struct {
	Name       string
	Version    string
	Motd       []string
	Port       int
	UnixSocket string
	Password   string
}

// Server owns accepted connections and their registration/ready
// state. It implements router.ClientSink (broadcast fan-out) and
// upstream.TeardownSink (session teardown eviction).
type Server struct {
	cfg       Config
	router    *router.Router
	session   Upstream
	log       *logger.Logger
	baseLevel logger.Level
	created   time.Time

	passwordHash [32]byte
	hasPassword  bool

	mu      sync.Mutex
	clients map[*Client]struct{}
	live    bool

	listener net.Listener
}

// New constructs a Server. Call Serve to accept connections; it
// blocks until the listener is closed.
func New(cfg Config, rtr *router.Router, session Upstream, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		router:    rtr,
		session:   session,
		log:       log,
		baseLevel: log.GetLevel(),
		created:   time.Now(),
		clients:   map[*Client]struct{}{},
	}
	if cfg.Password != "" {
		s.passwordHash = sha256.Sum256([]byte(cfg.Password))
		s.hasPassword = true
	}
	return s
}

// Listen binds the configured loopback port or unix socket, chmod'ing
// the latter to 0600 after bind (spec.md §4.4). Call Serve afterward.
func (s *Server) Listen() error {
	var (
		ln  net.Listener
		err error
	)
	if s.cfg.UnixSocket != "" {
		ln, err = net.Listen("unix", s.cfg.UnixSocket)
		if err != nil {
			return err
		}
		if chErr := os.Chmod(s.cfg.UnixSocket, 0o600); chErr != nil {
			_ = ln.Close()
			return chErr
		}
	} else {
		ln, err = net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Port)))
		if err != nil {
			return err
		}
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		c := newClient(conn, s)
		s.add(c)
		go c.run()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// SetSession wires the upstream session in once it exists, breaking
// the construction cycle between Server and upstream.Session (each
// needs the other as a constructor argument).
func (s *Server) SetSession(session Upstream) {
	s.session = session
}

func (s *Server) add(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) prefix() *irc.Prefix { return &irc.Prefix{Name: s.cfg.Name} }

func (s *Server) passwordConfigured() bool { return s.hasPassword }

func (s *Server) checkPassword(supplied string) bool {
	sum := sha256.Sum256([]byte(supplied))
	return subtle.ConstantTimeCompare(sum[:], s.passwordHash[:]) == 1
}

func (s *Server) createdStamp() string {
	return s.created.Format(time.UnixDate)
}

// ForEachReady implements router.ClientSink.
func (s *Server) ForEachReady(fn func(router.ReadyClient)) {
	s.mu.Lock()
	ready := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		if c.isReady() {
			ready = append(ready, c)
		}
	}
	s.mu.Unlock()
	for _, c := range ready {
		fn(c)
	}
}

// NotifyLive marks the upstream session live and welcomes every
// authed-but-waiting client (spec.md §8 scenario 1: cold welcome).
func (s *Server) NotifyLive() {
	s.mu.Lock()
	s.live = true
	waiting := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		if c.isAuthed() && !c.isReady() {
			waiting = append(waiting, c)
		}
	}
	s.mu.Unlock()
	for _, c := range waiting {
		s.welcome(c)
	}
}

func (s *Server) isLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// onAuthed is called once a client completes NICK/USER/PASS
// registration. It welcomes immediately if the session is already
// live, otherwise the client waits for NotifyLive.
func (s *Server) onAuthed(c *Client) {
	if s.isLive() {
		s.welcome(c)
		return
	}
	c.Encode(&irc.Message{Command: irc.NOTICE, Params: []string{"*"}, Trailing: "Waiting for RTM connection"})
}

// Teardown implements upstream.TeardownSink: every authed client is
// notified of the reason, every client is evicted, and the live flag
// drops, so a later
// NotifyLive re-welcomes everyone against the fresh world the session
// bootstraps next (spec.md core: "atomically discard the world and
// evict downstream clients").
func (s *Server) Teardown(reason string) {
	s.mu.Lock()
	s.live = false
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if c.isAuthed() {
			c.Encode(&irc.Message{Prefix: s.prefix(), Command: irc.NOTICE, Params: []string{c.Nick()}, Trailing: reason})
		}
		c.close("Upstream disconnected: " + reason)
	}
}

func (s *Server) sendMotd(c *Client) {
	if len(s.cfg.Motd) == 0 {
		c.Encode(&irc.Message{Prefix: s.prefix(), Command: "376", Params: []string{c.Nick()}, Trailing: "End of MOTD command"})
		return
	}
	for _, line := range s.cfg.Motd {
		c.Encode(&irc.Message{Prefix: s.prefix(), Command: "372", Params: []string{c.Nick()}, Trailing: line})
	}
	c.Encode(&irc.Message{Prefix: s.prefix(), Command: "376", Params: []string{c.Nick()}, Trailing: "End of MOTD command"})
}

// welcome sends 001-003, the MOTD, a JOIN+332+NAMES replay for every
// self-member channel, and the current away-state numeric (spec.md
// §4.4).
func (s *Server) welcome(c *Client) {
	nick := c.Nick()
	c.Encode(
		&irc.Message{Prefix: s.prefix(), Command: "001", Params: []string{nick}, Trailing: "Welcome to " + s.cfg.Name},
		&irc.Message{Prefix: s.prefix(), Command: "002", Params: []string{nick}, Trailing: "Your host is " + s.cfg.Name},
		&irc.Message{Prefix: s.prefix(), Command: "003", Params: []string{nick}, Trailing: "This server was created " + s.createdStamp()},
	)
	s.sendMotd(c)

	var presence model.Presence
	s.router.Do(func(w *model.World) {
		self := w.Users[w.SelfID]
		if self == nil {
			return
		}
		presence = self.Presence
		for cid := range self.Channels {
			ch := w.Channels[cid]
			if ch == nil {
				continue
			}
			c.Encode(&irc.Message{Prefix: &irc.Prefix{Name: nick}, Command: irc.JOIN, Params: []string{ch.Name}})
			c.Encode(&irc.Message{Prefix: s.prefix(), Command: "332", Params: []string{nick, ch.Name}, Trailing: ch.Topic})
			c.sendNames(w, ch)
		}
	})

	awayCmd, awayText := "305", "You are no longer marked as being away"
	if presence == model.PresenceAway {
		awayCmd, awayText = "306", "You are now marked as being away"
	}
	c.Encode(&irc.Message{Prefix: s.prefix(), Command: awayCmd, Params: []string{nick}, Trailing: awayText})

	c.setReady()
}
