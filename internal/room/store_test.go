package room

import (
	"testing"

	"github.com/bartaai/meshcall/internal/media"

	"github.com/stretchr/testify/require"
)

func participants(ids ...string) []Participant {
	out := make([]Participant, len(ids))
	for i, id := range ids {
		out[i] = Participant{ID: id, Name: "name-" + id, AudioEnabled: true, VideoEnabled: true}
	}
	return out
}

func newStoreWithRoom(ids ...string) *Store {
	s := NewStore()
	s.SetLocalParticipant(participants(ids[0])[0])
	s.SetCurrentRoom(Room{ID: "r1", Participants: participants(ids...)})
	return s
}

func TestUpdateParticipant_PreservesOthers(t *testing.T) {
	s := newStoreWithRoom("a", "b", "c", "d")
	before, _ := s.CurrentRoom()

	updates := []struct {
		id string
		u  ParticipantUpdate
	}{
		{"c", ParticipantUpdate{AudioEnabled: Ptr(false)}},
		{"b", ParticipantUpdate{Name: Ptr("bea")}},
		{"c", ParticipantUpdate{VideoEnabled: Ptr(false)}},
		{"zz", ParticipantUpdate{Name: Ptr("ghost")}},
	}

	for _, tc := range updates {
		s.UpdateParticipant(tc.id, tc.u)
	}

	after, ok := s.CurrentRoom()
	require.True(t, ok)
	require.Len(t, after.Participants, 4)

	order := make([]string, len(after.Participants))
	for i, p := range after.Participants {
		order[i] = p.ID
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, order)

	require.Equal(t, before.Participants[0], after.Participants[0])
	require.Equal(t, before.Participants[3], after.Participants[3])
	require.Equal(t, "bea", after.Participants[1].Name)
	require.False(t, after.Participants[2].AudioEnabled)
	require.False(t, after.Participants[2].VideoEnabled)
	require.Equal(t, "name-c", after.Participants[2].Name)
}

func TestUpdateParticipant_SnapshotsAreImmutable(t *testing.T) {
	s := newStoreWithRoom("a", "b")
	snapshot, _ := s.CurrentRoom()

	require.True(t, s.UpdateParticipant("b", ParticipantUpdate{AudioEnabled: Ptr(false)}))

	require.True(t, snapshot.Participants[1].AudioEnabled, "earlier snapshot must not change")
}

func TestUpdateParticipant_NoRoom(t *testing.T) {
	s := NewStore()
	require.False(t, s.UpdateParticipant("a", ParticipantUpdate{Name: Ptr("x")}))
}

func TestUpdateParticipant_RefreshesLocal(t *testing.T) {
	s := newStoreWithRoom("a", "b")

	s.UpdateParticipant("a", ParticipantUpdate{AudioEnabled: Ptr(false)})

	local, ok := s.LocalParticipant()
	require.True(t, ok)
	require.False(t, local.AudioEnabled)
}

func TestUpdateParticipant_StreamAndClear(t *testing.T) {
	s := newStoreWithRoom("a", "b")
	stream := media.NewStream("remote-b")

	s.UpdateParticipant("b", ParticipantUpdate{Stream: stream})
	r, _ := s.CurrentRoom()
	p, _ := r.Participant("b")
	require.Same(t, stream, p.Stream)

	s.UpdateParticipant("b", ParticipantUpdate{ClearStream: true})
	r, _ = s.CurrentRoom()
	p, _ = r.Participant("b")
	require.Nil(t, p.Stream)
}

func TestAddParticipant_UniqueByID(t *testing.T) {
	s := newStoreWithRoom("a")

	require.True(t, s.AddParticipant(Participant{ID: "b"}))
	require.False(t, s.AddParticipant(Participant{ID: "b", Name: "dup"}))

	r, _ := s.CurrentRoom()
	require.Len(t, r.Participants, 2)
	require.Equal(t, "", r.Participants[1].Name)
}

func TestRemoveParticipant(t *testing.T) {
	s := newStoreWithRoom("a", "b", "c")

	require.True(t, s.RemoveParticipant("b"))
	require.False(t, s.RemoveParticipant("b"))

	r, _ := s.CurrentRoom()
	require.Len(t, r.Participants, 2)
	require.Equal(t, "a", r.Participants[0].ID)
	require.Equal(t, "c", r.Participants[1].ID)
}

func TestClear(t *testing.T) {
	s := newStoreWithRoom("a", "b")
	s.Clear()

	_, ok := s.CurrentRoom()
	require.False(t, ok)
	_, ok = s.LocalParticipant()
	require.False(t, ok)
	require.False(t, s.AddParticipant(Participant{ID: "c"}))
}

func TestSubscribe_Coalesces(t *testing.T) {
	s := newStoreWithRoom("a")
	updates, unsubscribe := s.Subscribe()

	s.AddParticipant(Participant{ID: "b"})
	s.AddParticipant(Participant{ID: "c"})

	select {
	case <-updates:
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-updates:
		t.Fatal("expected notifications to coalesce")
	default:
	}

	unsubscribe()
	s.RemoveParticipant("b")
	select {
	case <-updates:
		t.Fatal("unsubscribed channel must not be notified")
	default:
	}
}

func TestRemotes(t *testing.T) {
	r := Room{ID: "r", Participants: participants("a", "b", "c")}
	remotes := r.Remotes("b")
	require.Len(t, remotes, 2)
	require.Equal(t, "a", remotes[0].ID)
	require.Equal(t, "c", remotes[1].ID)
}
