package upstream

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/tamcore/slackirc/internal/model"
)

// SlackAPI is the narrow API implementation backed by slack-go. It
// generalizes matterircd's Slack struct (bridge/slack/slack.go):
// the same login/RTM-wait dance, the same conversation-API call
// shapes, widened from matterircd's hand-picked command subset to the
// full upstream surface spec.md §6 names.
type SlackAPI struct {
	token string
	log   *logger.Logger

	sc  *slack.Client
	rtm *slack.RTM

	selfID string
}

// NewSlackAPI constructs an API bound to a bearer token. The token
// itself is sourced by internal/config, outside the core's scope.
func NewSlackAPI(token string, log *logger.Logger) *SlackAPI {
	return &SlackAPI{token: token, log: log}
}

func (s *SlackAPI) Start(ctx context.Context) (BootstrapSnapshot, <-chan slack.RTMEvent, error) {
	s.sc = slack.New(s.token)
	s.rtm = s.sc.NewRTM()

	go s.rtm.ManageConnection()

	info, err := s.waitForInfo(ctx)
	if err != nil {
		return BootstrapSnapshot{}, nil, errors.Wrap(err, "rtm.start")
	}
	s.selfID = info.User.ID

	snap := BootstrapSnapshot{
		SelfID:   info.User.ID,
		SelfNick: info.User.Name,
		OpenDMs:  map[string]string{},
	}

	users, err := s.sc.GetUsers()
	if err != nil {
		return BootstrapSnapshot{}, nil, errors.Wrap(err, "users.list")
	}
	for _, u := range users {
		if u.ID == s.selfID {
			continue
		}
		snap.Users = append(snap.Users, userSnapshot(u))
	}

	params := slack.GetConversationsParameters{
		ExcludeArchived: true,
		Limit:           200,
		Types:           []string{"public_channel", "private_channel", "mpim", "im"},
	}
	for {
		conversations, next, err := s.sc.GetConversations(&params)
		if err != nil {
			return BootstrapSnapshot{}, nil, errors.Wrap(err, "channels.list")
		}
		for _, c := range conversations {
			if !c.IsMember && !c.IsIM {
				continue
			}
			switch {
			case c.IsIM:
				snap.OpenDMs[c.User] = c.ID
			case c.IsPrivate || c.IsMpIM:
				snap.Groups = append(snap.Groups, s.channelSnapshot(c.ID, c))
			default:
				snap.PublicChannels = append(snap.PublicChannels, s.channelSnapshot(c.ID, c))
			}
		}
		if next == "" {
			break
		}
		params.Cursor = next
	}

	return snap, s.rtm.IncomingEvents, nil
}

func (s *SlackAPI) waitForInfo(ctx context.Context) (*slack.Info, error) {
	for {
		if info := s.rtm.GetInfo(); info != nil {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (s *SlackAPI) Stop() {
	if s.rtm != nil {
		_ = s.rtm.Disconnect()
	}
}

func (s *SlackAPI) UserInfo(id string) (model.UserSnapshot, error) {
	u, err := s.sc.GetUserInfo(id)
	if err != nil {
		return model.UserSnapshot{}, errors.Wrap(err, "users.info")
	}
	return userSnapshot(*u), nil
}

func (s *SlackAPI) SetPresence(p model.Presence) error {
	presence := "auto"
	if p == model.PresenceAway {
		presence = "away"
	}
	return s.sc.SetUserPresence(presence)
}

func (s *SlackAPI) IMOpen(userID string) (string, error) {
	ch, _, _, err := s.sc.OpenConversation(&slack.OpenConversationParameters{Users: []string{userID}})
	if err != nil {
		return "", errors.Wrap(err, "im.open")
	}
	return ch.ID, nil
}

func (s *SlackAPI) IMClose(dmID string) error {
	_, _, err := s.sc.CloseConversation(dmID)
	return errors.Wrap(err, "im.close")
}

func (s *SlackAPI) ChannelJoin(name string) (model.ChannelSnapshot, error) {
	ch, _, _, err := s.sc.JoinConversation(name)
	if err != nil {
		return model.ChannelSnapshot{}, errors.Wrap(err, "channels.join")
	}
	return s.channelSnapshot(ch.ID, *ch), nil
}

func (s *SlackAPI) ChannelLeave(id string) error {
	_, err := s.sc.LeaveConversation(id)
	return errors.Wrap(err, "channels.leave")
}

func (s *SlackAPI) ChannelArchive(id string) error {
	return errors.Wrap(s.sc.ArchiveConversation(id), "channels.archive")
}

func (s *SlackAPI) GroupOpen(name string) (model.ChannelSnapshot, error) {
	ch, _, _, err := s.sc.JoinConversation(name)
	if err != nil {
		return model.ChannelSnapshot{}, errors.Wrap(err, "groups.open")
	}
	return s.channelSnapshot(ch.ID, *ch), nil
}

func (s *SlackAPI) GroupClose(id string) error {
	_, err := s.sc.LeaveConversation(id)
	return errors.Wrap(err, "groups.close")
}

func (s *SlackAPI) SetTopic(id string, _ model.ChannelKind, topic string) error {
	_, err := s.sc.SetTopicOfConversation(id, topic)
	return errors.Wrap(err, "setTopic")
}

func (s *SlackAPI) Mark(id string, _ model.ChannelKind, ts string) error {
	return errors.Wrap(s.sc.MarkConversation(id, ts), "mark")
}

func (s *SlackAPI) Invite(id string, _ model.ChannelKind, userID string) error {
	_, err := s.sc.InviteUsersToConversation(id, userID)
	return errors.Wrap(err, "invite")
}

func (s *SlackAPI) Kick(id string, _ model.ChannelKind, userID string) error {
	return errors.Wrap(s.sc.KickUserFromConversation(id, userID), "kick")
}

func (s *SlackAPI) PostMessage(id, text string) (string, error) {
	params := slack.NewPostMessageParameters()
	params.AsUser = true
	_, ts, err := s.sc.PostMessage(id, slack.MsgOptionPostMessageParameters(params), slack.MsgOptionText(text, false))
	return ts, errors.Wrap(err, "postMessage")
}

func (s *SlackAPI) FileBody(fileID string) (string, error) {
	info, _, _, err := s.sc.GetFileInfo(fileID, 0, 1)
	if err != nil {
		return "", errors.Wrap(err, "files.info")
	}
	var buf bytes.Buffer
	if err := s.sc.GetFile(info.URLPrivateDownload, &buf); err != nil {
		return "", errors.Wrap(err, "files.info body")
	}
	return buf.String(), nil
}

func (s *SlackAPI) channelSnapshot(id string, c slack.Channel) model.ChannelSnapshot {
	return model.ChannelSnapshot{
		ID:      id,
		Name:    c.Name,
		Topic:   c.Topic.Value,
		Members: s.members(id),
	}
}

func (s *SlackAPI) members(channelID string) []string {
	var out []string
	params := slack.GetUsersInConversationParameters{ChannelID: channelID, Limit: 200}
	for {
		members, next, err := s.sc.GetUsersInConversation(&params)
		if err != nil {
			s.log.WithError(err).Warnf("members.list %s", channelID)
			return out
		}
		out = append(out, members...)
		if next == "" {
			break
		}
		params.Cursor = next
	}
	return out
}

func userSnapshot(u slack.User) model.UserSnapshot {
	nick := u.Name
	if u.Profile.DisplayName != "" {
		nick = u.Profile.DisplayName
	}
	presence := model.PresenceActive
	if strings.EqualFold(u.Presence, "away") {
		presence = model.PresenceAway
	}
	return model.UserSnapshot{
		ID:       u.ID,
		Name:     nick,
		RealName: u.RealName,
		Presence: presence,
	}
}
