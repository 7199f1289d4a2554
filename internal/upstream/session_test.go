package upstream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	logger "github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamcore/slackirc/internal/model"
	"github.com/tamcore/slackirc/internal/router"
)

type fakeAPI struct {
	mu         sync.Mutex
	marked     map[string]string
	imOpenErr  error
	postErr    error
	posted     []string
	stopped    bool
}

func newFakeAPI() *fakeAPI { return &fakeAPI{marked: map[string]string{}} }

func (f *fakeAPI) Start(ctx context.Context) (BootstrapSnapshot, <-chan slack.RTMEvent, error) {
	return BootstrapSnapshot{}, nil, errors.New("not used in these tests")
}
func (f *fakeAPI) Stop() { f.mu.Lock(); f.stopped = true; f.mu.Unlock() }
func (f *fakeAPI) UserInfo(id string) (model.UserSnapshot, error) { return model.UserSnapshot{}, nil }
func (f *fakeAPI) SetPresence(p model.Presence) error             { return nil }
func (f *fakeAPI) IMOpen(userID string) (string, error) {
	if f.imOpenErr != nil {
		return "", f.imOpenErr
	}
	return "D_" + userID, nil
}
func (f *fakeAPI) IMClose(dmID string) error { return nil }
func (f *fakeAPI) ChannelJoin(name string) (model.ChannelSnapshot, error) {
	return model.ChannelSnapshot{ID: "C_" + name, Name: name}, nil
}
func (f *fakeAPI) ChannelLeave(id string) error   { return nil }
func (f *fakeAPI) ChannelArchive(id string) error { return nil }
func (f *fakeAPI) GroupOpen(name string) (model.ChannelSnapshot, error) {
	return model.ChannelSnapshot{ID: "G_" + name, Name: name}, nil
}
func (f *fakeAPI) GroupClose(id string) error                       { return nil }
func (f *fakeAPI) SetTopic(string, model.ChannelKind, string) error  { return nil }
func (f *fakeAPI) Invite(string, model.ChannelKind, string) error    { return nil }
func (f *fakeAPI) Kick(string, model.ChannelKind, string) error      { return nil }
func (f *fakeAPI) Mark(id string, kind model.ChannelKind, ts string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[id] = ts
	return nil
}
func (f *fakeAPI) PostMessage(id, text string) (string, error) {
	if f.postErr != nil {
		return "", f.postErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, id+":"+text)
	return "100.1", nil
}
func (f *fakeAPI) FileBody(fileID string) (string, error) { return "body-of-" + fileID, nil }

type fakeTeardown struct {
	mu      sync.Mutex
	reasons []string
}

func (t *fakeTeardown) Teardown(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reasons = append(t.reasons, reason)
}

type fakeClientSink struct{}

func (fakeClientSink) ForEachReady(fn func(router.ReadyClient)) {}

type fakeLiveNotifier struct{}

func (fakeLiveNotifier) NotifyLive() {}

func newTestSession(t *testing.T) (*Session, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	world := model.NewWorld()
	log := logger.New()
	log.SetOutput(io.Discard)
	rtr := router.New(world, fakeClientSink{}, nil, nil, nil, nil, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rtr.Run(ctx)
	sess := New(api, rtr, &fakeTeardown{}, fakeLiveNotifier{}, log)
	return sess, api
}

func TestScheduleMarkDebouncesToLastTimestamp(t *testing.T) {
	sess, api := newTestSession(t)

	sess.ScheduleMark("C1", model.ChannelPublic, "1.1")
	sess.ScheduleMark("C1", model.ChannelPublic, "2.2")
	sess.ScheduleMark("C1", model.ChannelPublic, "3.3")

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.marked["C1"] == "3.3"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenDMSuccessAppliesIMOpenEvent(t *testing.T) {
	sess, _ := newTestSession(t)
	sess.rtr.Do(func(w *model.World) {
		w.UpdateUser(model.UserSnapshot{ID: "U1", Name: "bob"})
	})

	sess.OpenDM("U1")

	require.Eventually(t, func() bool {
		present := false
		sess.rtr.Do(func(w *model.World) {
			present = w.Users["U1"].DMState == model.DMPresent
		})
		return present
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenDMFailureAppliesIMOpenFailedEvent(t *testing.T) {
	sess, api := newTestSession(t)
	api.imOpenErr = errors.New("channel_not_found")
	sess.rtr.Do(func(w *model.World) {
		w.UpdateUser(model.UserSnapshot{ID: "U1", Name: "bob"})
		w.SetDMPending("U1")
		w.EnqueueDM("U1", "hi")
	})

	sess.OpenDM("U1")

	require.Eventually(t, func() bool {
		absent := false
		sess.rtr.Do(func(w *model.World) {
			absent = w.Users["U1"].DMState == model.DMAbsent
		})
		return absent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPostMessageDeliversText(t *testing.T) {
	sess, api := newTestSession(t)
	sess.PostMessage("C1", "hello")

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.posted) == 1
	}, 2*time.Second, 10*time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"C1:hello"}, api.posted)
}

func TestFetchFileBodyWrapsAPI(t *testing.T) {
	sess, _ := newTestSession(t)
	body, ok := sess.FetchFileBody("F1")
	assert.True(t, ok)
	assert.Equal(t, "body-of-F1", body)
}

func TestJoinChannelAppliesOptimisticJoin(t *testing.T) {
	sess, _ := newTestSession(t)
	sess.rtr.Do(func(w *model.World) { w.SelfID = "U1" })

	err := sess.JoinChannel(model.ChannelPublic, "general")
	require.NoError(t, err)

	sess.rtr.Do(func(w *model.World) {
		c, ok := w.ChannelByName("general")
		require.True(t, ok)
		assert.Equal(t, "C_general", c.ID)
	})
}
