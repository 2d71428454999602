package room

import (
	"sync"

	"github.com/bartaai/meshcall/internal/media"
)

// Participant is one member of a room. Exactly one participant per room is
// local; its Stream comes from capture. Remote streams are filled in by the
// mesh once their connection delivers media.
type Participant struct {
	ID           string
	Name         string
	VideoEnabled bool
	AudioEnabled bool
	Stream       *media.Stream
}

// Room is an immutable snapshot of a session and its members.
type Room struct {
	ID           string
	Participants []Participant
}

// Participant looks up a member by id.
func (r Room) Participant(id string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Remotes returns every member except localID, in room order.
func (r Room) Remotes(localID string) []Participant {
	out := make([]Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.ID != localID {
			out = append(out, p)
		}
	}
	return out
}

// ParticipantUpdate is a partial participant. Nil fields are left unchanged.
type ParticipantUpdate struct {
	Name         *string
	VideoEnabled *bool
	AudioEnabled *bool
	Stream       *media.Stream
	ClearStream  bool
}

func (u ParticipantUpdate) apply(p Participant) Participant {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.VideoEnabled != nil {
		p.VideoEnabled = *u.VideoEnabled
	}
	if u.AudioEnabled != nil {
		p.AudioEnabled = *u.AudioEnabled
	}
	if u.Stream != nil {
		p.Stream = u.Stream
	}
	if u.ClearStream {
		p.Stream = nil
	}
	return p
}

// Ptr returns a pointer to v, for building updates inline.
func Ptr[T any](v T) *T {
	return &v
}

// Store holds the current room and the local participant. Every mutation
// goes through a method and replaces the participant slice, so a Room
// returned by CurrentRoom never changes underneath its reader.
type Store struct {
	mu      sync.RWMutex
	current *Room
	local   *Participant

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// NewStore returns an empty store with no room and no local participant.
func NewStore() *Store {
	return &Store{subs: make(map[int]chan struct{})}
}

// CurrentRoom returns the active room snapshot.
func (s *Store) CurrentRoom() (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Room{}, false
	}
	return *s.current, true
}

// LocalParticipant returns the local participant.
func (s *Store) LocalParticipant() (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.local == nil {
		return Participant{}, false
	}
	return *s.local, true
}

// SetCurrentRoom replaces the room wholesale.
func (s *Store) SetCurrentRoom(r Room) {
	participants := make([]Participant, len(r.Participants))
	copy(participants, r.Participants)

	s.mu.Lock()
	s.current = &Room{ID: r.ID, Participants: participants}
	s.mu.Unlock()
	s.notify()
}

// SetLocalParticipant records the local participant.
func (s *Store) SetLocalParticipant(p Participant) {
	s.mu.Lock()
	s.local = &p
	s.mu.Unlock()
	s.notify()
}

// Clear drops the room and the local participant.
func (s *Store) Clear() {
	s.mu.Lock()
	s.current = nil
	s.local = nil
	s.mu.Unlock()
	s.notify()
}

// UpdateParticipant merges u into the member with the given id. It reports
// false without notifying when there is no room or no such member. The
// order of the other members is preserved.
func (s *Store) UpdateParticipant(id string, u ParticipantUpdate) bool {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return false
	}

	found := false
	participants := make([]Participant, len(s.current.Participants))
	for i, p := range s.current.Participants {
		if p.ID == id {
			p = u.apply(p)
			found = true
		}
		participants[i] = p
	}
	if !found {
		s.mu.Unlock()
		return false
	}

	s.current = &Room{ID: s.current.ID, Participants: participants}
	if s.local != nil && s.local.ID == id {
		local := u.apply(*s.local)
		s.local = &local
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// AddParticipant appends p unless a member with the same id exists.
func (s *Store) AddParticipant(p Participant) bool {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return false
	}
	for _, existing := range s.current.Participants {
		if existing.ID == p.ID {
			s.mu.Unlock()
			return false
		}
	}

	participants := make([]Participant, 0, len(s.current.Participants)+1)
	participants = append(participants, s.current.Participants...)
	participants = append(participants, p)
	s.current = &Room{ID: s.current.ID, Participants: participants}
	s.mu.Unlock()
	s.notify()
	return true
}

// RemoveParticipant drops the member with the given id.
func (s *Store) RemoveParticipant(id string) bool {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return false
	}

	participants := make([]Participant, 0, len(s.current.Participants))
	for _, p := range s.current.Participants {
		if p.ID != id {
			participants = append(participants, p)
		}
	}
	if len(participants) == len(s.current.Participants) {
		s.mu.Unlock()
		return false
	}

	s.current = &Room{ID: s.current.ID, Participants: participants}
	s.mu.Unlock()
	s.notify()
	return true
}

// Subscribe returns a channel that receives a value after mutations.
// Notifications coalesce: a slow reader sees one pending signal, then reads
// the latest snapshot. Call the returned func to stop receiving.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
