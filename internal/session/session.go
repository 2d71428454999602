package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/bartaai/meshcall/internal/config"
	"github.com/bartaai/meshcall/internal/domain"
	"github.com/bartaai/meshcall/internal/media"
	"github.com/bartaai/meshcall/internal/mesh"
	"github.com/bartaai/meshcall/internal/record"
	"github.com/bartaai/meshcall/internal/room"
	"github.com/bartaai/meshcall/internal/signal"
	"github.com/bartaai/meshcall/internal/webrtc"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CaptureFunc acquires the local media stream.
type CaptureFunc func(ctx context.Context, opts media.CaptureOptions) (*media.Stream, error)

// Option customizes a Session.
type Option func(*Session)

// WithConnector replaces the pion connector.
func WithConnector(c domain.Connector) Option {
	return func(s *Session) { s.connector = c }
}

// WithCapture replaces file capture.
func WithCapture(fn CaptureFunc) Option {
	return func(s *Session) { s.capture = fn }
}

// Session is one participant's membership in one room.
type Session struct {
	cfg       *config.Config
	roomID    string
	localID   string
	store     *room.Store
	manager   *mesh.Manager
	signal    *signal.Client
	local     *media.Stream
	connector domain.Connector
	capture   CaptureFunc
	log       zerolog.Logger

	cancel    context.CancelFunc
	runDone   chan struct{}
	leaveOnce sync.Once
	leaveErr  error
}

// Create starts a new room and joins it.
func Create(ctx context.Context, cfg *config.Config, name string, opts ...Option) (*Session, error) {
	return Join(ctx, cfg, uuid.NewString(), name, opts...)
}

// Join enters roomID as name. Media capture failure aborts the join; a
// signaling failure is logged and leaves the session without signaling.
func Join(ctx context.Context, cfg *config.Config, roomID, name string, opts ...Option) (*Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.ErrNameRequired
	}
	if roomID == "" {
		return nil, domain.ErrInvalidInvite
	}

	s := &Session{
		cfg:     cfg,
		roomID:  roomID,
		localID: uuid.NewString(),
		store:   room.NewStore(),
		capture: media.Capture,
		log: log.With().
			Str("component", "session").
			Str("room", roomID).
			Logger(),
		runDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.connector == nil {
		var recorder domain.TrackRecorder
		if cfg.RecordDir != "" {
			r, err := record.New(cfg.RecordDir)
			if err != nil {
				return nil, err
			}
			recorder = r
		}
		connector, err := webrtc.NewConnector(cfg, recorder)
		if err != nil {
			return nil, fmt.Errorf("create connector: %w", err)
		}
		s.connector = connector
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	local, err := s.capture(runCtx, media.CaptureOptions{
		StreamID:  s.localID,
		VideoPath: cfg.VideoFile,
		AudioPath: cfg.AudioFile,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("acquire local media: %w", err)
	}
	s.local = local

	self := room.Participant{
		ID:           s.localID,
		Name:         name,
		VideoEnabled: local.Enabled(media.KindVideo),
		AudioEnabled: local.Enabled(media.KindAudio),
		Stream:       local,
	}
	s.store.SetLocalParticipant(self)
	s.store.SetCurrentRoom(room.Room{ID: roomID, Participants: []room.Participant{self}})

	s.manager = mesh.NewManager(s.store, s.connector)
	s.signal = signal.NewClient(cfg.SignalURL, roomID, self, s.store, s.manager)
	s.manager.SetSignaler(s.signal)

	go func() {
		defer close(s.runDone)
		if err := s.manager.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Msg("mesh stopped")
		}
	}()

	if err := s.signal.Connect(ctx); err != nil {
		s.log.Error().Err(err).Msg("signaling unavailable, peers cannot be reached")
	}

	s.log.Info().Str("participant", s.localID).Str("name", name).Msg("joined room")
	return s, nil
}

// RoomID returns the id of the joined room.
func (s *Session) RoomID() string { return s.roomID }

// LocalID returns the local participant id.
func (s *Session) LocalID() string { return s.localID }

// Store exposes the room state for read-only consumers.
func (s *Session) Store() *room.Store { return s.store }

// Peers lists the mesh entries.
func (s *Session) Peers() []mesh.PeerInfo { return s.manager.Peers() }

// SignalingOpen reports whether the relay connection is up.
func (s *Session) SignalingOpen() bool { return s.signal.Open() }

// ToggleAudio flips the local audio tracks and returns the new state.
func (s *Session) ToggleAudio() (bool, error) {
	return s.toggle(media.KindAudio)
}

// ToggleVideo flips the local video tracks and returns the new state.
func (s *Session) ToggleVideo() (bool, error) {
	return s.toggle(media.KindVideo)
}

func (s *Session) toggle(kind media.Kind) (bool, error) {
	local, ok := s.store.LocalParticipant()
	if !ok {
		return false, domain.ErrNoRoom
	}

	enabled := media.Toggle(local.Stream, kind)
	u := room.ParticipantUpdate{}
	if kind == media.KindAudio {
		u.AudioEnabled = room.Ptr(enabled)
	} else {
		u.VideoEnabled = room.Ptr(enabled)
	}
	if !s.store.UpdateParticipant(local.ID, u) {
		return false, domain.ErrNoRoom
	}

	local, _ = s.store.LocalParticipant()
	s.manager.BroadcastMediaState(domain.MediaState{Audio: local.AudioEnabled, Video: local.VideoEnabled})
	s.log.Info().Str("kind", string(kind)).Bool("enabled", enabled).Msg("toggled local media")
	return enabled, nil
}

// InviteURL returns the link a second participant opens to join.
func (s *Session) InviteURL() string {
	return InviteURL(s.cfg.BaseURL, s.roomID)
}

// Leave tears down every peer connection, clears the room and releases
// local media. It is safe to call more than once.
func (s *Session) Leave(ctx context.Context) error {
	s.leaveOnce.Do(func() {
		s.leaveErr = s.manager.Leave(ctx)
		s.signal.Close()
		s.local.Close()
		s.cancel()
		select {
		case <-s.runDone:
		case <-ctx.Done():
			if s.leaveErr == nil {
				s.leaveErr = ctx.Err()
			}
		}
		// The manager clears the store on its own unless ctx ran out first.
		s.store.Clear()
		s.log.Info().Msg("left room")
	})
	return s.leaveErr
}

// InviteURL encodes roomID as the roomId query parameter of base.
func InviteURL(base, roomID string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?roomId=" + url.QueryEscape(roomID)
	}
	q := u.Query()
	q.Set("roomId", roomID)
	u.RawQuery = q.Encode()
	return u.String()
}

// ParseInvite accepts either an invite URL or a bare room id.
func ParseInvite(invite string) (string, error) {
	invite = strings.TrimSpace(invite)
	if invite == "" {
		return "", domain.ErrInvalidInvite
	}

	if strings.Contains(invite, "?") || strings.Contains(invite, "://") {
		u, err := url.Parse(invite)
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidInvite, err)
		}
		id := u.Query().Get("roomId")
		if id == "" {
			return "", fmt.Errorf("%w: no roomId in %q", domain.ErrInvalidInvite, invite)
		}
		return id, nil
	}

	if strings.ContainsAny(invite, " /\t") {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidInvite, invite)
	}
	return invite, nil
}
