package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateUserCreatesThenRenames(t *testing.T) {
	w := NewWorld()

	u, _, changed := w.UpdateUser(UserSnapshot{ID: "U1", Name: "alice", RealName: "Alice A"})
	require.False(t, changed)
	assert.Equal(t, "alice", u.Nick)

	_, old, changed := w.UpdateUser(UserSnapshot{ID: "U1", Name: "alicia", RealName: "Alice A"})
	assert.True(t, changed)
	assert.Equal(t, "alice", old)
	got, ok := w.UserByNick("alicia")
	require.True(t, ok)
	assert.Equal(t, "U1", got.ID)

	_, ok = w.UserByNick("alice")
	assert.False(t, ok)
}

func TestJoinChannelIdempotent(t *testing.T) {
	w := NewWorld()
	w.UpdateUser(UserSnapshot{ID: "U1", Name: "alice"})
	w.UpdateChannel(ChannelPublic, ChannelSnapshot{ID: "C1", Name: "general"})

	assert.True(t, w.JoinChannel("U1", "C1"))
	assert.False(t, w.JoinChannel("U1", "C1"))
}

func TestDeleteChannelClearsBackLinks(t *testing.T) {
	w := NewWorld()
	w.UpdateUser(UserSnapshot{ID: "U1", Name: "alice"})
	w.UpdateUser(UserSnapshot{ID: "U2", Name: "bob"})
	w.UpdateChannel(ChannelPublic, ChannelSnapshot{ID: "C1", Name: "general", Members: []string{"U1", "U2"}})

	w.DeleteChannel("C1")

	_, exists := w.Channels["C1"]
	assert.False(t, exists)
	assert.NotContains(t, w.Users["U1"].Channels, "C1")
	assert.NotContains(t, w.Users["U2"].Channels, "C1")
}

func TestDMQueueDrainsFIFOOnOpen(t *testing.T) {
	w := NewWorld()
	w.UpdateUser(UserSnapshot{ID: "U_BOB", Name: "bob"})

	w.SetDMPending("U_BOB")
	w.EnqueueDM("U_BOB", "hi")
	w.EnqueueDM("U_BOB", "there")

	flushed := w.SetDMPresent("U_BOB", "D1")
	assert.Equal(t, []string{"hi", "there"}, flushed)
	assert.Empty(t, w.Users["U_BOB"].TxQueue)

	got, ok := w.UserByDMID("D1")
	require.True(t, ok)
	assert.Equal(t, "U_BOB", got.ID)
}

func TestResetClearsEverything(t *testing.T) {
	w := NewWorld()
	w.SelfID = "U1"
	w.UpdateUser(UserSnapshot{ID: "U1", Name: "alice"})
	w.UpdateChannel(ChannelPublic, ChannelSnapshot{ID: "C1", Name: "general", Members: []string{"U1"}})

	w.Reset()

	assert.Empty(t, w.SelfID)
	assert.Empty(t, w.Users)
	assert.Empty(t, w.Channels)
	_, ok := w.UserByNick("alice")
	assert.False(t, ok)
}

// TestMembershipInvariantUnderRandomOps exercises invariant 1 of
// spec.md §8 under a randomised sequence of join/part operations:
// u.id is in c.members iff c.id is in u.channels.
func TestMembershipInvariantUnderRandomOps(t *testing.T) {
	w := NewWorld()
	var userIDs, chanIDs []string
	for i := 0; i < 5; i++ {
		id := "U" + string(rune('A'+i))
		userIDs = append(userIDs, id)
		w.UpdateUser(UserSnapshot{ID: id, Name: id})
	}
	for i := 0; i < 3; i++ {
		id := "C" + string(rune('A'+i))
		chanIDs = append(chanIDs, id)
		w.UpdateChannel(ChannelPublic, ChannelSnapshot{ID: id, Name: id})
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		u := userIDs[rng.Intn(len(userIDs))]
		c := chanIDs[rng.Intn(len(chanIDs))]
		if rng.Intn(2) == 0 {
			w.JoinChannel(u, c)
		} else {
			w.PartChannel(u, c)
		}
		assertMembershipConsistent(t, w)
	}
}

func assertMembershipConsistent(t *testing.T, w *World) {
	t.Helper()
	for _, u := range w.Users {
		for cid := range u.Channels {
			c, ok := w.Channels[cid]
			require.True(t, ok)
			_, inMembers := c.Members[u.ID]
			assert.True(t, inMembers)
		}
	}
	for _, c := range w.Channels {
		for uid := range c.Members {
			u, ok := w.Users[uid]
			require.True(t, ok)
			_, inChannels := u.Channels[c.ID]
			assert.True(t, inChannels)
		}
	}
}
