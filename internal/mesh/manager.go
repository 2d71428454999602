package mesh

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bartaai/meshcall/internal/domain"
	"github.com/bartaai/meshcall/internal/room"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const negotiationTimeout = 20 * time.Second

// Role is the negotiation role of an entry.
type Role int

const (
	Initiator Role = iota
	Responder
)

// String returns the lowercase role name.
func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// MarshalText encodes the role by name in JSON.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// State is the lifecycle state of an entry. Absent entries do not exist.
type State int

const (
	Negotiating State = iota
	Connected
)

// String returns the lowercase state name.
func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "negotiating"
}

// MarshalText encodes the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PeerInfo describes one entry for display.
type PeerInfo struct {
	RemoteID string `json:"remoteId"`
	Role     Role   `json:"role"`
	State    State  `json:"state"`
}

type entry struct {
	remoteID  string
	gen       uint64
	role      Role
	state     State
	conn      domain.Connection
	cancel    context.CancelFunc
	offerSent bool
	answered  bool
}

// Manager keeps one connection per remote participant. All state below the
// queue is owned by the Run goroutine; every other method only posts events.
type Manager struct {
	store     *room.Store
	connector domain.Connector
	signal    domain.Signaler
	queue     *eventQueue
	log       zerolog.Logger

	// async runs blocking negotiation work off the run goroutine.
	async func(func())

	entries map[string]*entry
	known   map[string]bool
	nextGen uint64
	left    bool

	stopped chan struct{}

	peersMu sync.Mutex
	peers   []PeerInfo
}

// NewManager creates a Manager. Call SetSignaler before Run.
func NewManager(store *room.Store, connector domain.Connector) *Manager {
	return &Manager{
		store:     store,
		connector: connector,
		queue:     newEventQueue(),
		log:       log.With().Str("component", "mesh").Logger(),
		async:     func(f func()) { go f() },
		entries:   make(map[string]*entry),
		known:     make(map[string]bool),
		stopped:   make(chan struct{}),
	}
}

// SetSignaler injects the signaler after construction; the signaling client
// needs the manager as its negotiation handler.
func (m *Manager) SetSignaler(s domain.Signaler) {
	m.signal = s
}

// OnOffer queues an inbound offer.
func (m *Manager) OnOffer(env domain.Envelope) {
	m.queue.push(offerReceived{env: env})
}

// OnAnswer queues an inbound answer.
func (m *Manager) OnAnswer(env domain.Envelope) {
	m.queue.push(answerReceived{env: env})
}

// BroadcastMediaState sends the local track flags to every peer.
func (m *Manager) BroadcastMediaState(state domain.MediaState) {
	m.queue.push(mediaBroadcast{state: state})
}

// Peers returns the current entries sorted by remote id.
func (m *Manager) Peers() []PeerInfo {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	out := make([]PeerInfo, len(m.peers))
	copy(out, m.peers)
	return out
}

// Run processes events in arrival order until ctx is done. Store
// notifications are turned into membership reconciles.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.stopped)

	updates, unsubscribe := m.store.Subscribe()
	defer unsubscribe()

	m.queue.push(roomChanged{})
	for {
		select {
		case <-ctx.Done():
			m.stop()
			return ctx.Err()
		case <-updates:
			m.queue.push(roomChanged{})
		case <-m.queue.ready:
		}
		m.processPending()
	}
}

// Leave tears down every entry and clears the store. Events that arrive
// afterwards are ignored. It returns once the teardown has happened.
func (m *Manager) Leave(ctx context.Context) error {
	done := make(chan struct{})
	m.queue.push(leaveRequested{done: done})

	select {
	case <-done:
		return nil
	case <-m.stopped:
		m.store.Clear()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop honors a leave still waiting in the queue, drops every other
// pending event and closes what is left.
func (m *Manager) stop() {
	for _, ev := range m.queue.drain() {
		if lr, ok := ev.(leaveRequested); ok {
			m.leave()
			close(lr.done)
		}
	}
	m.teardownAll()
	m.publishPeers()
}

func (m *Manager) processPending() {
	for {
		events := m.queue.drain()
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			m.handle(ev)
		}
		m.publishPeers()
	}
}

func (m *Manager) handle(ev event) {
	if lr, ok := ev.(leaveRequested); ok {
		m.leave()
		close(lr.done)
		return
	}
	if m.left {
		return
	}

	switch ev := ev.(type) {
	case roomChanged:
		m.reconcile()
	case offerReceived:
		m.handleOffer(ev.env)
	case answerReceived:
		m.handleAnswer(ev.env)
	case descriptionReady:
		m.handleDescription(ev)
	case streamAdded:
		m.handleStream(ev)
	case mediaStateReceived:
		if e := m.current(ev.remoteID, ev.gen); e != nil {
			m.store.UpdateParticipant(ev.remoteID, room.ParticipantUpdate{
				AudioEnabled: room.Ptr(ev.state.Audio),
				VideoEnabled: room.Ptr(ev.state.Video),
			})
		}
	case connectionFailed:
		if e := m.current(ev.remoteID, ev.gen); e != nil {
			m.fail(e, ev.err)
		}
	case mediaBroadcast:
		for _, e := range m.entries {
			if err := e.conn.SendMediaState(ev.state); err != nil {
				m.log.Debug().Err(err).Str("peer", e.remoteID).Msg("send media state")
			}
		}
	}
}

// reconcile initiates towards ids that appeared since the last pass and
// tears down entries whose participant left the room.
func (m *Manager) reconcile() {
	r, ok := m.store.CurrentRoom()
	if !ok {
		return
	}
	local, ok := m.store.LocalParticipant()
	if !ok {
		return
	}

	present := make(map[string]bool, len(r.Participants))
	for _, p := range r.Remotes(local.ID) {
		present[p.ID] = true
		if !m.known[p.ID] {
			m.initiate(p.ID, local)
		}
	}

	for id, e := range m.entries {
		if !present[id] {
			m.log.Info().Str("peer", id).Msg("participant departed, closing connection")
			m.teardown(e)
		}
	}
	m.known = present
}

func (m *Manager) initiate(remoteID string, local room.Participant) {
	if _, exists := m.entries[remoteID]; exists {
		return
	}
	e, err := m.open(remoteID, Initiator, local)
	if err != nil {
		m.log.Error().Err(err).Msg("open connection")
		return
	}

	m.log.Info().Str("peer", remoteID).Msg("negotiating as initiator")
	ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
	e.cancel = cancel
	conn, gen := e.conn, e.gen
	m.async(func() {
		defer cancel()
		desc, err := conn.CreateOffer(ctx)
		m.queue.push(descriptionReady{remoteID: remoteID, gen: gen, desc: desc, err: err})
	})
}

func (m *Manager) handleOffer(env domain.Envelope) {
	local, ok := m.store.LocalParticipant()
	if !ok {
		return
	}
	if _, ok := m.store.CurrentRoom(); !ok {
		return
	}
	remoteID := env.SenderID
	if remoteID == local.ID {
		return
	}

	var offer domain.SDPPayload
	if err := env.Decode(&offer); err != nil {
		m.log.Warn().Err(err).Str("peer", remoteID).Msg("ignoring offer")
		return
	}
	if offer.Type != "offer" {
		m.log.Warn().Err(domain.ErrUnexpectedSDP).Str("peer", remoteID).Str("type", offer.Type).Msg("ignoring offer")
		return
	}

	if existing, ok := m.entries[remoteID]; ok {
		if existing.role == Initiator && existing.state == Negotiating && local.ID < remoteID {
			m.log.Info().Str("peer", remoteID).Msg("glare, keeping initiator role")
			return
		}
		m.log.Info().Str("peer", remoteID).Str("role", existing.role.String()).Msg("replacing entry for new offer")
		m.teardown(existing)
		m.store.UpdateParticipant(remoteID, room.ParticipantUpdate{ClearStream: true})
	}

	e, err := m.open(remoteID, Responder, local)
	if err != nil {
		m.log.Error().Err(err).Msg("open connection")
		return
	}
	m.known[remoteID] = true
	m.store.AddParticipant(room.Participant{
		ID:           remoteID,
		Name:         offer.Name,
		VideoEnabled: true,
		AudioEnabled: true,
	})

	m.log.Info().Str("peer", remoteID).Msg("negotiating as responder")
	ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
	e.cancel = cancel
	conn, gen := e.conn, e.gen
	m.async(func() {
		defer cancel()
		desc, err := conn.CreateAnswer(ctx, offer)
		m.queue.push(descriptionReady{remoteID: remoteID, gen: gen, desc: desc, err: err})
	})
}

func (m *Manager) handleAnswer(env domain.Envelope) {
	e, ok := m.entries[env.SenderID]
	if !ok || e.role != Initiator || !e.offerSent || e.answered {
		m.log.Debug().Str("peer", env.SenderID).Msg("ignoring stray answer")
		return
	}

	var answer domain.SDPPayload
	if err := env.Decode(&answer); err != nil {
		m.fail(e, err)
		return
	}
	if answer.Type != "answer" {
		m.fail(e, domain.ErrUnexpectedSDP)
		return
	}
	if err := e.conn.SetAnswer(answer); err != nil {
		m.fail(e, err)
		return
	}
	e.answered = true
	m.log.Debug().Str("peer", e.remoteID).Msg("answer applied")
}

func (m *Manager) handleDescription(ev descriptionReady) {
	e := m.current(ev.remoteID, ev.gen)
	if e == nil {
		return
	}
	if ev.err != nil {
		m.fail(e, ev.err)
		return
	}

	local, ok := m.store.LocalParticipant()
	r, hasRoom := m.store.CurrentRoom()
	if !ok || !hasRoom {
		return
	}

	envType := domain.TypeOffer
	if e.role == Responder {
		envType = domain.TypeAnswer
	}
	desc := ev.desc
	desc.Name = local.Name

	env, err := domain.NewEnvelope(envType, r.ID, local.ID, e.remoteID, desc)
	if err != nil {
		m.fail(e, err)
		return
	}
	if m.signal == nil {
		m.fail(e, domain.ErrNotConnected)
		return
	}
	m.signal.Send(env)
	if e.role == Initiator {
		e.offerSent = true
	}
	m.log.Debug().Str("peer", e.remoteID).Str("type", string(envType)).Msg("descriptor sent")
}

func (m *Manager) handleStream(ev streamAdded) {
	e := m.current(ev.remoteID, ev.gen)
	if e == nil {
		ev.stream.Close()
		return
	}
	e.state = Connected
	m.log.Info().Str("peer", e.remoteID).Str("stream", ev.stream.ID()).Msg("connected")
	m.store.UpdateParticipant(e.remoteID, room.ParticipantUpdate{Stream: ev.stream})

	if local, ok := m.store.LocalParticipant(); ok {
		state := domain.MediaState{Audio: local.AudioEnabled, Video: local.VideoEnabled}
		if err := e.conn.SendMediaState(state); err != nil {
			m.log.Debug().Err(err).Str("peer", e.remoteID).Msg("send media state")
		}
	}
}

func (m *Manager) open(remoteID string, role Role, local room.Participant) (*entry, error) {
	m.nextGen++
	gen := m.nextGen
	events := &connEvents{queue: m.queue, remoteID: remoteID, gen: gen}

	conn, err := m.connector.Connect(remoteID, local.Stream, events)
	if err != nil {
		return nil, domain.NewPeerError("connect", remoteID, err)
	}
	e := &entry{
		remoteID: remoteID,
		gen:      gen,
		role:     role,
		state:    Negotiating,
		conn:     conn,
	}
	m.entries[remoteID] = e
	return e, nil
}

// current returns the live entry for remoteID if gen still matches it.
func (m *Manager) current(remoteID string, gen uint64) *entry {
	e, ok := m.entries[remoteID]
	if !ok || e.gen != gen {
		return nil
	}
	return e
}

func (m *Manager) fail(e *entry, err error) {
	opErr := domain.NewPeerError("negotiate", e.remoteID, err)
	m.log.Error().Err(opErr).Str("role", e.role.String()).Msg("peer connection failed")
	m.teardown(e)
	m.store.UpdateParticipant(e.remoteID, room.ParticipantUpdate{ClearStream: true})
}

func (m *Manager) teardown(e *entry) {
	if e.cancel != nil {
		e.cancel()
	}
	if err := e.conn.Close(); err != nil {
		m.log.Debug().Err(err).Str("peer", e.remoteID).Msg("close connection")
	}
	delete(m.entries, e.remoteID)
}

func (m *Manager) teardownAll() {
	for _, e := range m.entries {
		m.teardown(e)
	}
}

func (m *Manager) leave() {
	if m.left {
		return
	}
	m.log.Info().Int("peers", len(m.entries)).Msg("leaving room")
	m.teardownAll()
	m.known = make(map[string]bool)
	m.left = true
	m.store.Clear()
	m.publishPeers()
}

func (m *Manager) publishPeers() {
	peers := make([]PeerInfo, 0, len(m.entries))
	for _, e := range m.entries {
		peers = append(peers, PeerInfo{RemoteID: e.remoteID, Role: e.role, State: e.state})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].RemoteID < peers[j].RemoteID })

	m.peersMu.Lock()
	m.peers = peers
	m.peersMu.Unlock()
}
