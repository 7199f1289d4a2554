package ircd

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sorcix/irc"

	"github.com/tamcore/slackirc/internal/model"
)

const namesChunkSize = 8

const (
	firstPingDelay = 30 * time.Second
	pingInterval   = 60 * time.Second
	maxMissedPongs = 3
)

// Client is one accepted IRC connection. It carries its own
// registration/ready state and ping watchdog; all shared-state reads
// and writes go through the server's router, never touching the
// world directly (spec.md §4.7: the router is the sole mutator).
type Client struct {
	conn  net.Conn
	dec   *irc.Decoder
	enc   *irc.Encoder
	encMu sync.Mutex

	srv *Server

	mu     sync.Mutex
	nick   string
	user   string
	real   string
	pass   string
	authed bool
	ready  bool

	pingCount int32

	closeOnce sync.Once
}

func newClient(conn net.Conn, srv *Server) *Client {
	return &Client{
		conn: conn,
		dec:  irc.NewDecoder(conn),
		enc:  irc.NewEncoder(conn),
		srv:  srv,
	}
}

// Nick implements router.ReadyClient.
func (c *Client) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

// User returns the username supplied at registration.
func (c *Client) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Encode implements router.ReadyClient, sanitizing every message
// before it reaches the wire.
func (c *Client) Encode(msgs ...*irc.Message) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	for _, m := range msgs {
		if err := c.enc.Encode(sanitizeMessage(m)); err != nil {
			return err
		}
	}
	return nil
}

// run is the per-connection read loop; it blocks until the
// connection is closed or a decode error occurs.
func (c *Client) run() {
	go c.pingLoop()
	for {
		msg, err := c.dec.Decode()
		if err != nil {
			c.closeQuiet()
			return
		}
		if msg == nil {
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *irc.Message) {
	h, ok := commandTable[strings.ToUpper(msg.Command)]
	if !ok {
		return
	}
	h(c, msg)
}

func (c *Client) pingLoop() {
	timer := time.NewTimer(firstPingDelay)
	defer timer.Stop()
	for range timer.C {
		c.mu.Lock()
		count := c.pingCount
		c.mu.Unlock()
		if count >= maxMissedPongs {
			c.close("Ping timeout")
			return
		}
		c.mu.Lock()
		c.pingCount++
		c.mu.Unlock()
		c.Encode(&irc.Message{
			Prefix:  c.srv.prefix(),
			Command: irc.PING,
			Trailing: c.srv.cfg.Name,
		})
		timer.Reset(pingInterval)
	}
}

func (c *Client) resetPingCount() {
	c.mu.Lock()
	c.pingCount = 0
	c.mu.Unlock()
}

func (c *Client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Client) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Client) setReady() {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
}

func (c *Client) setNick(nick string) {
	c.mu.Lock()
	c.nick = nick
	c.mu.Unlock()
}

// close sends a QUIT with reason (if non-empty), notifies the server
// to evict the client, and closes the underlying connection. Safe to
// call more than once.
func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		if reason != "" {
			c.Encode(&irc.Message{Command: irc.QUIT, Trailing: reason})
		}
		_ = c.conn.Close()
		c.srv.remove(c)
	})
}

func (c *Client) closeQuiet() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		c.srv.remove(c)
	})
}

// tryRegister attempts the authed transition once NICK, USER and (if
// configured) PASS have all arrived. On success it rejects a nick
// that collides with a non-self known user (spec.md §4.4) and hands
// off to the server to welcome or queue the client.
func (c *Client) tryRegister() {
	c.mu.Lock()
	if c.authed || c.nick == "" || c.user == "" {
		c.mu.Unlock()
		return
	}
	if c.srv.passwordConfigured() && !c.srv.checkPassword(c.pass) {
		c.mu.Unlock()
		return
	}
	nick := c.nick
	c.mu.Unlock()

	collision := false
	c.srv.router.Do(func(w *model.World) {
		if u, ok := w.UserByNick(nick); ok && u.ID != w.SelfID {
			collision = true
		}
	})
	if collision {
		c.Encode(&irc.Message{
			Prefix:   c.srv.prefix(),
			Command:  "433",
			Params:   []string{"*", nick},
			Trailing: "Nickname is already in use",
		})
		c.close("")
		return
	}

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.srv.onAuthed(c)
}

// sendNames replays a channel's membership to this client as
// chunked 353/366 numerics (spec.md §4.4: chunks of 8 names).
func (c *Client) sendNames(w *model.World, ch *model.Channel) {
	nicks := make([]string, 0, len(ch.Members))
	for uid := range ch.Members {
		if u := w.Users[uid]; u != nil {
			nicks = append(nicks, u.Nick)
		}
	}
	sort.Strings(nicks)

	for i := 0; i < len(nicks); i += namesChunkSize {
		end := i + namesChunkSize
		if end > len(nicks) {
			end = len(nicks)
		}
		c.Encode(&irc.Message{
			Prefix:   c.srv.prefix(),
			Command:  "353",
			Params:   []string{c.Nick(), "=", ch.Name},
			Trailing: strings.Join(nicks[i:end], " "),
		})
	}
	c.Encode(&irc.Message{
		Prefix:   c.srv.prefix(),
		Command:  "366",
		Params:   []string{c.Nick(), ch.Name},
		Trailing: "End of NAMES list",
	})
}
