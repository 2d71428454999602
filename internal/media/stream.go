package media

import (
	"sync"
	"sync/atomic"

	pion "github.com/pion/webrtc/v4"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// KindOf maps a pion codec type to a Kind.
func KindOf(t pion.RTPCodecType) Kind {
	if t == pion.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// Track is one audio or video track of a Stream. Local tracks carry the pion
// track that feeds outgoing connections; remote tracks count received bytes.
type Track struct {
	id      string
	kind    Kind
	enabled atomic.Bool
	bytes   atomic.Uint64

	local pion.TrackLocal
}

// NewTrack returns an enabled track with no pion binding.
func NewTrack(id string, kind Kind) *Track {
	t := &Track{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

// NewLocalTrack wraps a pion local track.
func NewLocalTrack(local pion.TrackLocal) *Track {
	t := NewTrack(local.ID(), KindOf(local.Kind()))
	t.local = local
	return t
}

// ID returns the track id.
func (t *Track) ID() string { return t.id }

// Kind reports whether the track is audio or video.
func (t *Track) Kind() Kind { return t.kind }

// Enabled reports whether the track currently carries media.
func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled mutes or unmutes the track. Muted local tracks stop writing samples.
func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Local returns the pion track to publish, or nil for remote tracks.
func (t *Track) Local() pion.TrackLocal {
	return t.local
}

// AddBytes records n received bytes.
func (t *Track) AddBytes(n int) {
	t.bytes.Add(uint64(n))
}

// BytesReceived returns the number of bytes read from a remote track.
func (t *Track) BytesReceived() uint64 {
	return t.bytes.Load()
}

// Stream groups the tracks of one participant.
type Stream struct {
	id string

	mu      sync.RWMutex
	tracks  []*Track
	onClose []func()
	closed  bool
}

// NewStream groups tracks under id.
func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

// ID returns the stream id, which is the owning participant id.
func (s *Stream) ID() string {
	return s.id
}

// AddTrack appends a track to the stream.
func (s *Stream) AddTrack(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// Tracks returns a copy of the track list.
func (s *Stream) Tracks() []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// TracksOf returns the tracks of one kind in insertion order.
func (s *Stream) TracksOf(kind Kind) []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Enabled reports whether the first track of kind is enabled. A stream
// without tracks of kind reports false.
func (s *Stream) Enabled(kind Kind) bool {
	tracks := s.TracksOf(kind)
	if len(tracks) == 0 {
		return false
	}
	return tracks[0].Enabled()
}

// BytesReceived sums received bytes over all tracks.
func (s *Stream) BytesReceived() uint64 {
	var total uint64
	for _, t := range s.Tracks() {
		total += t.BytesReceived()
	}
	return total
}

// OnClose registers fn to run once when the stream is closed.
func (s *Stream) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		go fn()
		return
	}
	s.onClose = append(s.onClose, fn)
}

// Close releases the sources feeding the stream.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fns := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
