package ircd

import (
	"strconv"
	"strings"

	logger "github.com/sirupsen/logrus"
	"github.com/sorcix/irc"

	"github.com/tamcore/slackirc/internal/model"
)

const maxCatBytes = 65536

// gatewayPrefix is the source every X reply is addressed from
// (spec.md §4.5).
func gatewayPrefix() *irc.Prefix {
	return &irc.Prefix{Name: "X", User: "X", Host: "localhost"}
}

func (c *Client) noticeFromGateway(text string) {
	c.Encode(&irc.Message{Prefix: gatewayPrefix(), Command: irc.NOTICE, Params: []string{c.Nick()}, Trailing: text})
}

// dispatchGateway handles a PRIVMSG addressed to the reserved X
// pseudo-user (spec.md §4.5).
func dispatchGateway(c *Client, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "newgroup":
		if len(args) < 1 {
			return
		}
		if err := c.srv.session.JoinChannel(model.ChannelGroup, args[0]); err != nil {
			c.noticeFromGateway("newgroup failed: " + err.Error())
		}
	case "newchan":
		if len(args) < 1 {
			return
		}
		if err := c.srv.session.JoinChannel(model.ChannelPublic, args[0]); err != nil {
			c.noticeFromGateway("newchan failed: " + err.Error())
		}
	case "archive":
		if len(args) < 1 {
			return
		}
		gatewayArchive(c, args[0])
	case "close":
		if len(args) < 1 {
			return
		}
		gatewayClose(c, args[0])
	case "cat":
		if len(args) < 1 {
			return
		}
		gatewayCat(c, args[0])
	case "disconnect":
		c.srv.session.Disconnect()
	case "delim":
		if len(args) < 1 {
			return
		}
		gatewayDelim(c, args[0])
	case "debug_dump_state":
		gatewayDumpState(c)
	case "debug_dump":
		gatewayDebugDump(c, args)
	default:
		c.noticeFromGateway("unknown gateway command: " + cmd)
	}
}

func gatewayArchive(c *Client, name string) {
	var (
		found bool
		id    string
	)
	c.srv.router.Do(func(w *model.World) {
		ch, ok := w.ChannelByName(name)
		if !ok {
			return
		}
		found = true
		id = ch.ID
	})
	if !found {
		c.noticeFromGateway("no such channel: " + name)
		return
	}
	if err := c.srv.session.ArchiveChannel(id); err != nil {
		c.noticeFromGateway("archive failed: " + err.Error())
	}
}

func gatewayClose(c *Client, name string) {
	var (
		found bool
		kind  model.ChannelKind
		id    string
	)
	c.srv.router.Do(func(w *model.World) {
		ch, ok := w.ChannelByName(name)
		if !ok {
			return
		}
		found = true
		kind = ch.Kind
		id = ch.ID
	})
	if !found {
		c.noticeFromGateway("no such channel: " + name)
		return
	}
	if err := c.srv.session.PartChannel(kind, id); err != nil {
		c.noticeFromGateway("close failed: " + err.Error())
	}
}

// gatewayCat fetches a file's body and replays it as NOTICEs bounded
// by BEGIN/END markers (spec.md §4.5), refusing bodies over 64KiB.
func gatewayCat(c *Client, fileID string) {
	body, ok := c.srv.session.FetchFileBody(fileID)
	if !ok {
		c.noticeFromGateway("could not fetch file: " + fileID)
		return
	}
	if len(body) > maxCatBytes {
		c.noticeFromGateway("file too large to display: " + fileID)
		return
	}
	c.noticeFromGateway("---- BEGIN " + fileID + " ----")
	for _, line := range strings.Split(body, "\n") {
		c.noticeFromGateway(line)
	}
	c.noticeFromGateway("---- END " + fileID + " ----")
}

// gatewayDelim primes a direct-message conduit to the named user
// ahead of the first send, mirroring newgroup/newchan's prime-then-use
// shape for DMs; it does not itself carry text.
func gatewayDelim(c *Client, nick string) {
	var userID string
	c.srv.router.Do(func(w *model.World) {
		if u, ok := w.UserByNick(nick); ok {
			userID = u.ID
		}
	})
	if userID == "" {
		c.noticeFromGateway("no such nick: " + nick)
		return
	}
	c.srv.session.OpenDM(userID)
}

// gatewayDebugDump toggles wire-level logging on the shared logger
// (spec.md §6: "debug_dump — 1 to enable wire-level logging"). With no
// argument it reports the current state instead of changing it.
func gatewayDebugDump(c *Client, args []string) {
	if len(args) < 1 {
		enabled := c.srv.log.IsLevelEnabled(logger.TraceLevel)
		c.noticeFromGateway("debug_dump is " + onOff(enabled))
		return
	}
	on := args[0] == "1"
	if on {
		c.srv.log.SetLevel(logger.TraceLevel)
	} else {
		c.srv.log.SetLevel(c.srv.baseLevel)
	}
	c.noticeFromGateway("debug_dump set to " + onOff(on))
}

func onOff(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func gatewayDumpState(c *Client) {
	c.srv.router.Do(func(w *model.World) {
		c.noticeFromGateway("users=" + strconv.Itoa(len(w.Users)) + " channels=" + strconv.Itoa(len(w.Channels)))
	})
}
