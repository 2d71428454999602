package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bartaai/meshcall/internal/domain"
	"github.com/bartaai/meshcall/internal/media"
	"github.com/bartaai/meshcall/internal/room"

	"github.com/stretchr/testify/require"
)

// fakeConn stands in for a pion connection. A remote stream shows up as soon
// as the responder produces its answer or the initiator applies one.
type fakeConn struct {
	mu       sync.Mutex
	remoteID string
	events   domain.ConnectionEvents
	offerErr error
	answer   *domain.SDPPayload
	states   []domain.MediaState
	closed   bool
}

func (c *fakeConn) CreateOffer(ctx context.Context) (domain.SDPPayload, error) {
	if c.offerErr != nil {
		return domain.SDPPayload{}, c.offerErr
	}
	return domain.SDPPayload{Type: "offer", SDP: "offer-to-" + c.remoteID}, nil
}

func (c *fakeConn) CreateAnswer(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	c.events.OnStream(media.NewStream("from-" + c.remoteID))
	return domain.SDPPayload{Type: "answer", SDP: "answer-to-" + c.remoteID}, nil
}

func (c *fakeConn) SetAnswer(answer domain.SDPPayload) error {
	c.mu.Lock()
	c.answer = &answer
	c.mu.Unlock()
	c.events.OnStream(media.NewStream("from-" + c.remoteID))
	return nil
}

func (c *fakeConn) SendMediaState(state domain.MediaState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, state)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeConnector struct {
	mu       sync.Mutex
	conns    []*fakeConn
	offerErr error
}

func (f *fakeConnector) Connect(remoteID string, local *media.Stream, events domain.ConnectionEvents) (domain.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{remoteID: remoteID, events: events, offerErr: f.offerErr}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeConnector) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

// network routes offers and answers by targetId like the relay does.
// With hold set, envelopes wait until flush.
type network struct {
	nodes map[string]*node
	sent  []domain.Envelope
	held  []domain.Envelope
	hold  bool
}

func newNetwork() *network {
	return &network{nodes: make(map[string]*node)}
}

func (n *network) deliver(env domain.Envelope) {
	target, ok := n.nodes[env.TargetID]
	if !ok {
		return
	}
	switch env.Type {
	case domain.TypeOffer:
		target.m.OnOffer(env)
	case domain.TypeAnswer:
		target.m.OnAnswer(env)
	}
}

func (n *network) flush() {
	held := n.held
	n.held = nil
	for _, env := range held {
		n.deliver(env)
	}
}

type relaySignaler struct {
	net *network
}

func (s relaySignaler) Send(env domain.Envelope) {
	s.net.sent = append(s.net.sent, env)
	if s.net.hold {
		s.net.held = append(s.net.held, env)
		return
	}
	s.net.deliver(env)
}

type node struct {
	id        string
	m         *Manager
	store     *room.Store
	connector *fakeConnector
	updates   <-chan struct{}
}

// join creates a participant in room r1 and announces it to every node
// already present, the way participant-joined reaches them.
func (n *network) join(t *testing.T, id, name string) *node {
	t.Helper()
	self := room.Participant{ID: id, Name: name, AudioEnabled: true, VideoEnabled: true}
	store := room.NewStore()
	store.SetLocalParticipant(self)
	store.SetCurrentRoom(room.Room{ID: "r1", Participants: []room.Participant{self}})

	connector := &fakeConnector{}
	m := NewManager(store, connector)
	m.async = func(f func()) { f() }
	m.SetSignaler(relaySignaler{net: n})

	updates, unsubscribe := store.Subscribe()
	t.Cleanup(unsubscribe)
	m.queue.push(roomChanged{})

	for _, other := range n.nodes {
		other.store.AddParticipant(room.Participant{ID: id, Name: name, AudioEnabled: true, VideoEnabled: true})
	}

	nd := &node{id: id, m: m, store: store, connector: connector, updates: updates}
	n.nodes[id] = nd
	return nd
}

// step runs one pass of the manager loop without a goroutine.
func (nd *node) step() bool {
	select {
	case <-nd.updates:
		nd.m.queue.push(roomChanged{})
	default:
	}
	if nd.m.queue.len() == 0 {
		return false
	}
	nd.m.processPending()
	return true
}

func (n *network) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		progressed := false
		for _, nd := range n.nodes {
			if nd.step() {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
	t.Fatal("network did not settle")
}

func participant(t *testing.T, s *room.Store, id string) room.Participant {
	t.Helper()
	r, ok := s.CurrentRoom()
	require.True(t, ok)
	p, ok := r.Participant(id)
	require.True(t, ok, "participant %s not in room", id)
	return p
}

func TestScenario_TwoParticipantsConnect(t *testing.T) {
	net := newNetwork()
	a := net.join(t, "a", "Alice")
	net.settle(t)
	b := net.join(t, "b", "Bob")
	net.settle(t)

	require.Equal(t, []PeerInfo{{RemoteID: "b", Role: Initiator, State: Connected}}, a.m.Peers())
	require.Equal(t, []PeerInfo{{RemoteID: "a", Role: Responder, State: Connected}}, b.m.Peers())

	require.NotNil(t, participant(t, a.store, "b").Stream)
	fromA := participant(t, b.store, "a")
	require.NotNil(t, fromA.Stream)
	require.Equal(t, "Alice", fromA.Name)

	require.Len(t, net.sent, 2)
	require.Equal(t, domain.TypeOffer, net.sent[0].Type)
	require.Equal(t, "a", net.sent[0].SenderID)
	require.Equal(t, "b", net.sent[0].TargetID)
	require.Equal(t, "r1", net.sent[0].RoomID)
	require.Equal(t, domain.TypeAnswer, net.sent[1].Type)
	require.Equal(t, "a", net.sent[1].TargetID)

	var offer domain.SDPPayload
	require.NoError(t, net.sent[0].Decode(&offer))
	require.Equal(t, "Alice", offer.Name)
}

func TestScenario_ThreeParticipantsFullMesh(t *testing.T) {
	net := newNetwork()
	a := net.join(t, "a", "Alice")
	b := net.join(t, "b", "Bob")
	net.settle(t)
	c := net.join(t, "c", "Carol")
	net.settle(t)

	for _, nd := range []*node{a, b, c} {
		peers := nd.m.Peers()
		require.Len(t, peers, 2, "node %s", nd.id)
		for _, p := range peers {
			require.Equal(t, Connected, p.State, "node %s peer %s", nd.id, p.RemoteID)
		}
		r, _ := nd.store.CurrentRoom()
		require.Len(t, r.Participants, 3, "node %s", nd.id)
	}
}

func TestDuplicateParticipantJoined(t *testing.T) {
	net := newNetwork()
	a := net.join(t, "a", "Alice")
	net.join(t, "b", "Bob")
	net.settle(t)

	require.False(t, a.store.AddParticipant(room.Participant{ID: "b", Name: "Bob"}))
	a.m.queue.push(roomChanged{})
	a.m.queue.push(roomChanged{})
	net.settle(t)

	require.Len(t, a.m.Peers(), 1)
	require.Equal(t, 1, a.connector.count())
}

func TestScenario_RemoteLeaves(t *testing.T) {
	net := newNetwork()
	a := net.join(t, "a", "Alice")
	net.join(t, "b", "Bob")
	net.settle(t)
	conn := a.connector.last()

	a.store.RemoveParticipant("b")
	net.settle(t)

	require.Empty(t, a.m.Peers())
	require.True(t, conn.isClosed())
	r, _ := a.store.CurrentRoom()
	_, found := r.Participant("b")
	require.False(t, found)
}

func TestStrayAnswerIgnored(t *testing.T) {
	net := newNetwork()
	a := net.join(t, "a", "Alice")
	net.settle(t)
	before, _ := a.store.CurrentRoom()

	env, err := domain.NewEnvelope(domain.TypeAnswer, "r1", "z", "a", domain.SDPPayload{Type: "answer", SDP: "v=0"})
	require.NoError(t, err)
	a.m.OnAnswer(env)
	net.settle(t)

	after, _ := a.store.CurrentRoom()
	require.Equal(t, before, after)
	require.Empty(t, a.m.Peers())
	require.Zero(t, a.connector.count())
}

func TestGlare_SmallerIDKeepsInitiator(t *testing.T) {
	net := newNetwork()
	a := net.join(t, "a", "Alice")
	b := net.join(t, "b", "Bob")
	b.store.AddParticipant(room.Participant{ID: "a", Name: "Alice", AudioEnabled: true, VideoEnabled: true})

	net.hold = true
	a.step()
	b.step()
	require.Len(t, net.held, 2, "both sides should have offered")
	firstB := b.connector.last()

	net.hold = false
	net.flush()
	net.settle(t)

	require.Equal(t, []PeerInfo{{RemoteID: "b", Role: Initiator, State: Connected}}, a.m.Peers())
	require.Equal(t, []PeerInfo{{RemoteID: "a", Role: Responder, State: Connected}}, b.m.Peers())
	require.Equal(t, 1, a.connector.count())
	require.Equal(t, 2, b.connector.count())
	require.True(t, firstB.isClosed())
}

func TestConnectionFailure_TearsDownOnlyThatEntry(t *testing.T) {
	net := newNetwork()
	a := net.join(t, "a", "Alice")
	net.join(t, "b", "Bob")
	net.settle(t)
	net.join(t, "c", "Carol")
	net.settle(t)
	require.Len(t, a.m.Peers(), 2)

	var toB *fakeConn
	for _, c := range a.connector.conns {
		if c.remoteID == "b" {
			toB = c
		}
	}
	require.NotNil(t, toB)

	toB.events.OnFailed(domain.ErrPeerFailed)
	net.settle(t)

	peers := a.m.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, "c", peers[0].RemoteID)
	require.True(t, toB.isClosed())
	require.Nil(t, participant(t, a.store, "b").Stream)

	// Late callbacks from the closed connection are dropped.
	toB.events.OnStream(media.NewStream("late"))
	a.m.queue.push(roomChanged{})
	net.settle(t)
	require.Nil(t, participant(t, a.store, "b").Stream)
	require.Equal(t, 2, a.connector.count(), "failed peer must not be retried")
}

func TestOfferFailure_LogsAndDropsEntry(t *testing.T) {
	net := newNetwork()
	a := net.join(t, "a", "Alice")
	a.connector.offerErr = errors.New("gathering timed out")
	net.join(t, "b", "Bob")
	net.settle(t)

	require.Empty(t, a.m.Peers())
	require.True(t, a.connector.last().isClosed())
	require.Len(t, net.sent, 0)
}

func TestMediaState(t *testing.T) {
	net := newNetwork()
	a := net.join(t, "a", "Alice")
	b := net.join(t, "b", "Bob")
	net.settle(t)

	a.connector.last().events.OnMediaState(domain.MediaState{Audio: false, Video: true})
	net.settle(t)
	p := participant(t, a.store, "b")
	require.False(t, p.AudioEnabled)
	require.True(t, p.VideoEnabled)

	b.m.BroadcastMediaState(domain.MediaState{Audio: true, Video: false})
	net.settle(t)
	toA := b.connector.last()
	toA.mu.Lock()
	defer toA.mu.Unlock()
	require.NotEmpty(t, toA.states)
	require.Equal(t, domain.MediaState{Audio: true, Video: false}, toA.states[len(toA.states)-1])
}

func TestLeave_TearsDownAndIgnoresLaterSignals(t *testing.T) {
	net := newNetwork()
	a := net.join(t, "a", "Alice")
	net.join(t, "b", "Bob")
	net.settle(t)
	conn := a.connector.last()
	delete(net.nodes, "a")

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.m.Run(ctx) }()

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer leaveCancel()
	require.NoError(t, a.m.Leave(leaveCtx))

	require.True(t, conn.isClosed())
	require.Empty(t, a.m.Peers())
	_, ok := a.store.CurrentRoom()
	require.False(t, ok)

	offer, err := domain.NewEnvelope(domain.TypeOffer, "r1", "c", "a", domain.SDPPayload{Type: "offer", SDP: "v=0"})
	require.NoError(t, err)
	a.m.OnOffer(offer)
	require.Never(t, func() bool {
		_, ok := a.store.CurrentRoom()
		return ok || a.connector.count() != 1
	}, 100*time.Millisecond, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestLeave_ExpiredContextStillClearsRoom(t *testing.T) {
	net := newNetwork()
	a := net.join(t, "a", "Alice")
	net.join(t, "b", "Bob")
	net.settle(t)
	conn := a.connector.last()
	delete(net.nodes, "a")

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, a.m.Leave(expired), context.Canceled)

	require.ErrorIs(t, a.m.Run(expired), context.Canceled)

	require.True(t, conn.isClosed())
	require.Empty(t, a.m.Peers())
	_, ok := a.store.CurrentRoom()
	require.False(t, ok)
	_, ok = a.store.LocalParticipant()
	require.False(t, ok)
}

func TestReplacedEntry_ClearsStaleStream(t *testing.T) {
	net := newNetwork()
	a := net.join(t, "a", "Alice")
	net.join(t, "b", "Bob")
	net.settle(t)

	streamOf := func(id string) *media.Stream {
		r, _ := a.store.CurrentRoom()
		p, ok := r.Participant(id)
		require.True(t, ok)
		return p.Stream
	}
	old := streamOf("b")
	require.NotNil(t, old)
	oldConn := a.connector.last()

	var deferred []func()
	a.m.async = func(f func()) { deferred = append(deferred, f) }

	offer, err := domain.NewEnvelope(domain.TypeOffer, "r1", "b", "a", domain.SDPPayload{Type: "offer", SDP: "v=0", Name: "Bob"})
	require.NoError(t, err)
	a.m.OnOffer(offer)
	a.m.processPending()

	require.True(t, oldConn.isClosed())
	require.Nil(t, streamOf("b"))

	for _, f := range deferred {
		f()
	}
	a.m.processPending()

	fresh := streamOf("b")
	require.NotNil(t, fresh)
	require.NotSame(t, old, fresh)
	require.Equal(t, []PeerInfo{{RemoteID: "b", Role: Responder, State: Connected}}, a.m.Peers())
}
