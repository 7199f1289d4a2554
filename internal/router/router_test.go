package router

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	logger "github.com/sirupsen/logrus"
	"github.com/sorcix/irc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamcore/slackirc/internal/model"
)

type fakeClient struct {
	nick string
	mu   sync.Mutex
	got  []*irc.Message
}

func (f *fakeClient) Nick() string { return f.nick }
func (f *fakeClient) Encode(msgs ...*irc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, msgs...)
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	clients []*fakeClient
}

func (s *fakeSink) ForEachReady(fn func(ReadyClient)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		fn(c)
	}
}

type fakeMarker struct {
	mu      sync.Mutex
	marked  map[string]string
}

func newFakeMarker() *fakeMarker { return &fakeMarker{marked: map[string]string{}} }

func (m *fakeMarker) ScheduleMark(channelID string, kind model.ChannelKind, ts string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[channelID] = ts
}

type fakeDMOpener struct {
	opened []string
}

func (d *fakeDMOpener) OpenDM(userID string) { d.opened = append(d.opened, userID) }

type fakeFiles struct{}

func (fakeFiles) FetchFileBody(string) (string, bool) { return "", false }

type fakeFilesWithBody struct{ body string }

func (f fakeFilesWithBody) FetchFileBody(string) (string, bool) { return f.body, true }

type fakeResolver struct {
	mu       sync.Mutex
	resolved []string
}

func (r *fakeResolver) ResolveUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, userID)
}

type fakePoster struct {
	mu   sync.Mutex
	sent []string // "channelID:text"
}

func (p *fakePoster) PostMessage(channelID, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, channelID+":"+text)
}

func newTestRouter(t *testing.T) (*Router, *fakeSink, *fakeMarker, *fakeDMOpener, *fakePoster) {
	t.Helper()
	w := model.NewWorld()
	sink := &fakeSink{}
	marker := newFakeMarker()
	dmOpener := &fakeDMOpener{}
	poster := &fakePoster{}
	log := logger.New()
	log.SetOutput(io.Discard)
	r := New(w, sink, marker, dmOpener, fakeFiles{}, poster, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return r, sink, marker, dmOpener, poster
}

func TestEchoViaChannelScenario(t *testing.T) {
	r, sink, marker, _, _ := newTestRouter(t)

	r.Do(func(w *model.World) {
		w.SelfID = "U1"
		w.UpdateUser(model.UserSnapshot{ID: "U1", Name: "alice"})
		w.UpdateChannel(model.ChannelPublic, model.ChannelSnapshot{ID: "C1", Name: "general", Members: []string{"U1"}})
	})

	client := &fakeClient{nick: "alice"}
	sink.clients = append(sink.clients, client)

	r.Apply(MessageEvent{
		ChannelID: "C1",
		IsChannel: true,
		UserID:    "U1",
		Text:      "hello <@bob> &amp; bye",
		TS:        "100.1",
	})

	// synchronize: post a no-op and wait for it, since Apply is async.
	r.Do(func(*model.World) {})

	require.Len(t, client.got, 1)
	assert.Equal(t, "hello <@bob> & bye", client.got[0].Trailing)
	assert.Equal(t, "general", client.got[0].Params[0])

	marker.mu.Lock()
	defer marker.mu.Unlock()
	assert.Equal(t, "100.1", marker.marked["C1"])
}

func TestDMQueueingScenario(t *testing.T) {
	r, sink, _, dmOpener, poster := newTestRouter(t)

	r.Do(func(w *model.World) {
		w.UpdateUser(model.UserSnapshot{ID: "U_BOB", Name: "bob"})
	})
	client := &fakeClient{nick: "me"}
	sink.clients = append(sink.clients, client)

	r.Apply(SendDMRequest{UserID: "U_BOB", Text: "hi"})
	r.Apply(SendDMRequest{UserID: "U_BOB", Text: "there"})
	r.Do(func(*model.World) {})

	require.Len(t, dmOpener.opened, 1)
	assert.Equal(t, "U_BOB", dmOpener.opened[0])

	r.Apply(IMOpenEvent{UserID: "U_BOB", ChannelID: "D1"})
	r.Do(func(*model.World) {})

	poster.mu.Lock()
	defer poster.mu.Unlock()
	assert.Equal(t, []string{"D1:hi", "D1:there"}, poster.sent)
}

func TestArchiveScenario(t *testing.T) {
	r, sink, _, _, _ := newTestRouter(t)

	r.Do(func(w *model.World) {
		w.SelfID = "U1"
		w.UpdateUser(model.UserSnapshot{ID: "U1", Name: "alice"})
		w.UpdateUser(model.UserSnapshot{ID: "U2", Name: "bob"})
		w.UpdateChannel(model.ChannelPublic, model.ChannelSnapshot{ID: "C1", Name: "general", Members: []string{"U1", "U2"}})
	})
	client := &fakeClient{nick: "alice"}
	sink.clients = append(sink.clients, client)

	r.Apply(ChannelArchiveEvent{ChannelID: "C1"})
	r.Do(func(w *model.World) {
		_, exists := w.Channels["C1"]
		assert.False(t, exists)
	})

	require.NotEmpty(t, client.got)
	last := client.got[len(client.got)-1]
	assert.Equal(t, irc.PART, last.Command)
}

func TestTopicChangeBroadcasts(t *testing.T) {
	r, sink, _, _, _ := newTestRouter(t)

	r.Do(func(w *model.World) {
		w.SelfID = "U1"
		w.UpdateUser(model.UserSnapshot{ID: "U1", Name: "alice"})
		w.UpdateChannel(model.ChannelPublic, model.ChannelSnapshot{ID: "C1", Name: "general", Members: []string{"U1"}})
	})
	client := &fakeClient{nick: "alice"}
	sink.clients = append(sink.clients, client)

	r.Apply(MessageEvent{
		ChannelID: "C1",
		IsChannel: true,
		UserID:    "U1",
		Text:      "new topic here",
		Subtype:   "channel_topic",
		TS:        "100.1",
	})
	r.Do(func(*model.World) {})

	require.Len(t, client.got, 1)
	assert.Equal(t, irc.TOPIC, client.got[0].Command)
	assert.Equal(t, "general", client.got[0].Params[0])
	assert.Equal(t, "new topic here", client.got[0].Trailing)

	r.Do(func(w *model.World) {
		c, ok := w.ChannelByName("general")
		require.True(t, ok)
		assert.Equal(t, "new topic here", c.Topic)
	})
}

func TestFileShareOverSizeCapIsSuppressed(t *testing.T) {
	w := model.NewWorld()
	sink := &fakeSink{}
	log := logger.New()
	log.SetOutput(io.Discard)
	r := New(w, sink, newFakeMarker(), &fakeDMOpener{}, fakeFilesWithBody{body: strings.Repeat("a", maxInlineFileBytes+1)}, &fakePoster{}, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)

	r.Do(func(w *model.World) {
		w.SelfID = "U1"
		w.UpdateUser(model.UserSnapshot{ID: "U1", Name: "alice"})
		w.UpdateChannel(model.ChannelPublic, model.ChannelSnapshot{ID: "C1", Name: "general", Members: []string{"U1"}})
	})
	client := &fakeClient{nick: "alice"}
	sink.clients = append(sink.clients, client)

	r.Apply(MessageEvent{
		ChannelID: "C1",
		IsChannel: true,
		UserID:    "U1",
		Text:      "look at this",
		Subtype:   "file_share",
		FileID:    "F1",
		TS:        "100.1",
	})
	r.Do(func(*model.World) {})

	require.Len(t, client.got, 1)
	assert.Equal(t, "\x02[file_share]\x02 look at this", client.got[0].Trailing)
}

func TestFileShareDirectMessageInlinesBody(t *testing.T) {
	w := model.NewWorld()
	sink := &fakeSink{}
	log := logger.New()
	log.SetOutput(io.Discard)
	r := New(w, sink, newFakeMarker(), &fakeDMOpener{}, fakeFilesWithBody{body: "file body"}, &fakePoster{}, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)

	r.Do(func(w *model.World) {
		w.SelfID = "U1"
		w.UpdateUser(model.UserSnapshot{ID: "U_BOB", Name: "bob"})
	})
	client := &fakeClient{nick: "alice"}
	sink.clients = append(sink.clients, client)

	r.Apply(MessageEvent{
		IsChannel: false,
		UserID:    "U_BOB",
		Text:      "check this out",
		Subtype:   "file_share",
		FileID:    "F1",
		TS:        "100.1",
	})
	r.Do(func(*model.World) {})

	require.Len(t, client.got, 2)
	assert.Equal(t, "\x02[>F1]\x02 check this out", client.got[0].Trailing)
	assert.Equal(t, "file body", client.got[1].Trailing)
}

func TestDeferredUserResolveSkipsAlreadyEnrichedUser(t *testing.T) {
	w := model.NewWorld()
	sink := &fakeSink{}
	resolver := &fakeResolver{}
	log := logger.New()
	log.SetOutput(io.Discard)
	r := New(w, sink, newFakeMarker(), &fakeDMOpener{}, fakeFiles{}, &fakePoster{}, log)
	r.SetCollaborators(newFakeMarker(), &fakeDMOpener{}, fakeFiles{}, &fakePoster{}, resolver)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)

	r.Apply(MemberJoinedChannelEvent{UserID: "U1", ChannelID: "C1"})
	r.Do(func(*model.World) {})

	require.Eventually(t, func() bool {
		resolver.mu.Lock()
		defer resolver.mu.Unlock()
		return len(resolver.resolved) == 1
	}, time.Second, 10*time.Millisecond)

	// A later event enriches the user with real attributes before the
	// deferred users.info response arrives.
	r.Do(func(w *model.World) {
		w.UpdateUser(model.UserSnapshot{ID: "U1", Name: "alice"})
	})

	r.Apply(UserResolvedEvent{Snapshot: model.UserSnapshot{ID: "U1", Name: "stale-name"}})
	r.Do(func(*model.World) {})

	r.Do(func(w *model.World) {
		u := w.Users["U1"]
		require.NotNil(t, u)
		assert.Equal(t, "alice", u.Nick)
	})
}

func TestDeferredUserResolveEnrichesUntouchedStub(t *testing.T) {
	w := model.NewWorld()
	sink := &fakeSink{}
	resolver := &fakeResolver{}
	log := logger.New()
	log.SetOutput(io.Discard)
	r := New(w, sink, newFakeMarker(), &fakeDMOpener{}, fakeFiles{}, &fakePoster{}, log)
	r.SetCollaborators(newFakeMarker(), &fakeDMOpener{}, fakeFiles{}, &fakePoster{}, resolver)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)

	r.Apply(MemberJoinedChannelEvent{UserID: "U1", ChannelID: "C1"})
	r.Do(func(*model.World) {})

	r.Apply(UserResolvedEvent{Snapshot: model.UserSnapshot{ID: "U1", Name: "alice"}})
	r.Do(func(*model.World) {})

	r.Do(func(w *model.World) {
		u := w.Users["U1"]
		require.NotNil(t, u)
		assert.Equal(t, "alice", u.Nick)
		assert.False(t, u.Stub)
	})
}
