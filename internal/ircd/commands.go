package ircd

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sorcix/irc"

	"github.com/tamcore/slackirc/internal/model"
	"github.com/tamcore/slackirc/internal/router"
)

type handlerFunc func(c *Client, msg *irc.Message)

var commandTable = map[string]handlerFunc{
	"NICK":    cmdNick,
	"PASS":    cmdPass,
	"USER":    cmdUser,
	"AWAY":    cmdAway,
	"PING":    cmdPing,
	"PONG":    cmdPong,
	"JOIN":    cmdJoin,
	"PART":    cmdPart,
	"INVITE":  cmdInvite,
	"KICK":    cmdKick,
	"MODE":    cmdMode,
	"TOPIC":   cmdTopic,
	"NAMES":   cmdNames,
	"WHO":     cmdWho,
	"WHOIS":   cmdWhois,
	"LIST":    cmdList,
	"MOTD":    cmdMotd,
	"PRIVMSG": cmdPrivmsg,
	"QUIT":    cmdQuit,
}

func cmdNick(c *Client, msg *irc.Message) {
	if len(msg.Params) < 1 {
		return
	}
	nick := msg.Params[0]

	if !c.isAuthed() {
		c.setNick(nick)
		c.tryRegister()
		return
	}

	var collision bool
	c.srv.router.Do(func(w *model.World) {
		if u, ok := w.UserByNick(nick); ok && u.ID != w.SelfID {
			collision = true
			return
		}
		w.SetNick(w.SelfID, nick)
	})
	if collision {
		c.Encode(&irc.Message{
			Prefix:   c.srv.prefix(),
			Command:  "433",
			Params:   []string{c.Nick(), nick},
			Trailing: "Nickname is already in use",
		})
		return
	}
	old := c.Nick()
	c.setNick(nick)
	c.Encode(&irc.Message{
		Prefix:  &irc.Prefix{Name: old, User: c.User(), Host: "localhost"},
		Command: irc.NICK,
		Params:  []string{nick},
	})
}

func cmdPass(c *Client, msg *irc.Message) {
	if len(msg.Params) < 1 {
		return
	}
	c.mu.Lock()
	c.pass = msg.Params[0]
	c.mu.Unlock()
	c.tryRegister()
}

func cmdUser(c *Client, msg *irc.Message) {
	if len(msg.Params) < 1 {
		return
	}
	c.mu.Lock()
	c.user = msg.Params[0]
	c.real = msg.Trailing
	c.mu.Unlock()
	c.tryRegister()
}

func cmdAway(c *Client, msg *irc.Message) {
	away := msg.Trailing != ""
	_ = c.srv.session.SetPresence(away)
}

func cmdPing(c *Client, msg *irc.Message) {
	c.Encode(&irc.Message{
		Prefix:   c.srv.prefix(),
		Command:  irc.PONG,
		Trailing: msg.Trailing,
	})
}

func cmdPong(c *Client, _ *irc.Message) {
	c.resetPingCount()
}

func cmdJoin(c *Client, msg *irc.Message) {
	if len(msg.Params) < 1 {
		return
	}
	for _, name := range strings.Split(msg.Params[0], ",") {
		joinOne(c, name)
	}
}

func joinOne(c *Client, name string) {
	var (
		found  bool
		member bool
		kind   model.ChannelKind
	)
	c.srv.router.Do(func(w *model.World) {
		ch, ok := w.ChannelByName(name)
		if !ok {
			return
		}
		found = true
		kind = ch.Kind
		_, member = ch.Members[w.SelfID]
	})
	if !found {
		c.Encode(&irc.Message{Prefix: c.srv.prefix(), Command: "401", Params: []string{c.Nick(), name}, Trailing: "No such channel"})
		return
	}
	if member {
		return
	}
	_ = c.srv.session.JoinChannel(kind, name)
}

func cmdPart(c *Client, msg *irc.Message) {
	if len(msg.Params) < 1 {
		return
	}
	for _, name := range strings.Split(msg.Params[0], ",") {
		partOne(c, name)
	}
}

func partOne(c *Client, name string) {
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
		c.Encode(&irc.Message{Prefix: c.srv.prefix(), Command: "401", Params: []string{c.Nick(), name}, Trailing: "No such channel"})
		return
	}
	_ = c.srv.session.PartChannel(kind, id)
}

func cmdInvite(c *Client, msg *irc.Message) {
	if len(msg.Params) < 2 {
		return
	}
	nick, chanName := msg.Params[0], msg.Params[1]
	var (
		found  bool
		kind   model.ChannelKind
		chanID string
		userID string
	)
	c.srv.router.Do(func(w *model.World) {
		ch, ok := w.ChannelByName(chanName)
		if !ok {
			return
		}
		u, ok := w.UserByNick(nick)
		if !ok {
			return
		}
		found = true
		kind = ch.Kind
		chanID = ch.ID
		userID = u.ID
	})
	if !found {
		return
	}
	_ = c.srv.session.Invite(kind, chanID, userID)
}

func cmdKick(c *Client, msg *irc.Message) {
	if len(msg.Params) < 2 {
		return
	}
	chanName := msg.Params[0]
	for _, nick := range strings.Split(msg.Params[1], ",") {
		var (
			found  bool
			kind   model.ChannelKind
			chanID string
			userID string
		)
		c.srv.router.Do(func(w *model.World) {
			ch, ok := w.ChannelByName(chanName)
			if !ok {
				return
			}
			u, ok := w.UserByNick(nick)
			if !ok {
				return
			}
			found = true
			kind = ch.Kind
			chanID = ch.ID
			userID = u.ID
		})
		if found {
			_ = c.srv.session.Kick(kind, chanID, userID)
		}
	}
}

func cmdMode(c *Client, msg *irc.Message) {
	if len(msg.Params) < 1 {
		return
	}
	target := msg.Params[0]

	if model.IrcEq(target, c.Nick()) {
		c.Encode(&irc.Message{Prefix: c.srv.prefix(), Command: "221", Params: []string{c.Nick()}, Trailing: "+i"})
		return
	}

	var (
		found bool
		kind  model.ChannelKind
	)
	c.srv.router.Do(func(w *model.World) {
		ch, ok := w.ChannelByName(target)
		if !ok {
			return
		}
		found = true
		kind = ch.Kind
	})
	if !found {
		return
	}

	if len(msg.Params) >= 2 && msg.Params[1] == "b" {
		c.Encode(&irc.Message{Prefix: c.srv.prefix(), Command: "368", Params: []string{c.Nick(), target}, Trailing: "End of channel ban list"})
		return
	}

	modes := "+p"
	if kind == model.ChannelGroup {
		modes = "+ip"
	}
	c.Encode(
		&irc.Message{Prefix: c.srv.prefix(), Command: "324", Params: []string{c.Nick(), target, modes}},
		&irc.Message{Prefix: c.srv.prefix(), Command: "329", Params: []string{c.Nick(), target, c.srv.createdStamp()}},
	)
}

func cmdTopic(c *Client, msg *irc.Message) {
	if len(msg.Params) < 1 {
		return
	}
	name := msg.Params[0]
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
		c.Encode(&irc.Message{Prefix: c.srv.prefix(), Command: "401", Params: []string{c.Nick(), name}, Trailing: "No such channel"})
		return
	}
	if msg.Trailing == "" && len(msg.Params) < 2 {
		return
	}
	_ = c.srv.session.SetTopic(kind, id, msg.Trailing)
}

func cmdNames(c *Client, msg *irc.Message) {
	if len(msg.Params) < 1 {
		return
	}
	name := msg.Params[0]
	c.srv.router.Do(func(w *model.World) {
		ch, ok := w.ChannelByName(name)
		if !ok {
			return
		}
		c.sendNames(w, ch)
	})
}

func cmdWho(c *Client, msg *irc.Message) {
	if len(msg.Params) < 1 {
		c.Encode(&irc.Message{Prefix: c.srv.prefix(), Command: "315", Params: []string{c.Nick(), "*"}, Trailing: "End of WHO list"})
		return
	}
	name := msg.Params[0]
	c.srv.router.Do(func(w *model.World) {
		ch, ok := w.ChannelByName(name)
		if !ok {
			return
		}
		ids := make([]string, 0, len(ch.Members))
		for uid := range ch.Members {
			ids = append(ids, uid)
		}
		sort.Strings(ids)
		for _, uid := range ids {
			u := w.Users[uid]
			if u == nil {
				continue
			}
			flag := "H"
			if u.Presence == model.PresenceAway {
				flag = "G"
			}
			c.Encode(&irc.Message{
				Prefix:   c.srv.prefix(),
				Command:  "352",
				Params:   []string{c.Nick(), ch.Name, u.Nick, "slack", c.srv.cfg.Name, u.Nick, flag},
				Trailing: "0 " + u.Nick,
			})
		}
	})
	c.Encode(&irc.Message{Prefix: c.srv.prefix(), Command: "315", Params: []string{c.Nick(), name}, Trailing: "End of WHO list"})
}

func cmdWhois(c *Client, msg *irc.Message) {
	if len(msg.Params) < 1 {
		return
	}
	nick := msg.Params[0]
	if model.IrcEq(nick, model.ReservedNick) {
		c.Encode(
			&irc.Message{Prefix: c.srv.prefix(), Command: "311", Params: []string{c.Nick(), "X", "X", "localhost", "*"}, Trailing: "gateway control user"},
			&irc.Message{Prefix: c.srv.prefix(), Command: "312", Params: []string{c.Nick(), "X", c.srv.cfg.Name}, Trailing: c.srv.cfg.Name},
			&irc.Message{Prefix: c.srv.prefix(), Command: "318", Params: []string{c.Nick(), "X"}, Trailing: "End of WHOIS list"},
		)
		return
	}
	c.srv.router.Do(func(w *model.World) {
		u, ok := w.UserByNick(nick)
		if !ok {
			c.Encode(&irc.Message{Prefix: c.srv.prefix(), Command: "401", Params: []string{c.Nick(), nick}, Trailing: "No such nick"})
			return
		}
		var chanNames []string
		for cid := range u.Channels {
			if ch := w.Channels[cid]; ch != nil {
				chanNames = append(chanNames, ch.Name)
			}
		}
		sort.Strings(chanNames)
		c.Encode(
			&irc.Message{Prefix: c.srv.prefix(), Command: "311", Params: []string{c.Nick(), u.Nick, u.Nick, "slack", "*"}, Trailing: u.RealName},
			&irc.Message{Prefix: c.srv.prefix(), Command: "319", Params: []string{c.Nick(), u.Nick}, Trailing: strings.Join(chanNames, " ")},
			&irc.Message{Prefix: c.srv.prefix(), Command: "318", Params: []string{c.Nick(), u.Nick}, Trailing: "End of WHOIS list"},
		)
	})
}

func cmdList(c *Client, _ *irc.Message) {
	c.Encode(&irc.Message{Prefix: c.srv.prefix(), Command: "321", Params: []string{c.Nick(), "Channel"}, Trailing: "Users Name"})
	c.srv.router.Do(func(w *model.World) {
		names := make([]string, 0, len(w.Channels))
		byName := map[string]*model.Channel{}
		for _, ch := range w.Channels {
			names = append(names, ch.Name)
			byName[ch.Name] = ch
		}
		sort.Strings(names)
		for _, name := range names {
			ch := byName[name]
			c.Encode(&irc.Message{
				Prefix:   c.srv.prefix(),
				Command:  "322",
				Params:   []string{c.Nick(), ch.Name, strconv.Itoa(len(ch.Members))},
				Trailing: ch.Topic,
			})
		}
	})
	c.Encode(&irc.Message{Prefix: c.srv.prefix(), Command: "323", Params: []string{c.Nick()}, Trailing: "End of LIST"})
}

func cmdMotd(c *Client, _ *irc.Message) {
	c.srv.sendMotd(c)
}

func cmdPrivmsg(c *Client, msg *irc.Message) {
	if len(msg.Params) < 1 {
		return
	}
	target := msg.Params[0]
	text := msg.Trailing

	if model.IrcEq(target, model.ReservedNick) {
		dispatchGateway(c, text)
		return
	}

	var escaped string
	var kind int // 0 unknown, 1 channel, 2 user
	var channelID, userID string
	c.srv.router.Do(func(w *model.World) {
		escaped = router.EscapeOutbound(w, text)
		if ch, ok := w.ChannelByName(target); ok {
			kind = 1
			channelID = ch.ID
			return
		}
		if u, ok := w.UserByNick(target); ok {
			kind = 2
			userID = u.ID
		}
	})

	switch kind {
	case 1:
		c.srv.session.SendToChannel(channelID, escaped)
	case 2:
		c.srv.session.SendToUser(userID, escaped)
	default:
		c.Encode(&irc.Message{Prefix: c.srv.prefix(), Command: "401", Params: []string{c.Nick(), target}, Trailing: "No such nick/channel"})
	}
}

func cmdQuit(c *Client, _ *irc.Message) {
	c.close("")
}
