package record

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bartaai/meshcall/internal/domain"
	"github.com/bartaai/meshcall/internal/media"

	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

// Recorder writes remote tracks under one directory: H.264 video as an
// Annex-B stream, Opus audio as Ogg.
type Recorder struct {
	dir string
}

// New creates dir if needed.
func New(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &Recorder{dir: dir}, nil
}

// Path returns the file a participant's track of kind is written to.
func (r *Recorder) Path(participantID string, kind media.Kind) string {
	ext := "ogg"
	if kind == media.KindVideo {
		ext = "h264"
	}
	return filepath.Join(r.dir, fmt.Sprintf("%s-%s.%s", sanitize(participantID), kind, ext))
}

// NewTrackWriter opens the writer for one remote track.
func (r *Recorder) NewTrackWriter(participantID string, kind media.Kind) (domain.TrackWriter, error) {
	path := r.Path(participantID, kind)
	log.Info().Str("component", "record").Str("file", path).Msg("recording remote track")

	if kind == media.KindVideo {
		w, err := h264writer.New(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return w, nil
	}

	w, err := oggwriter.New(path, uint32(media.AudioCapability.ClockRate), media.AudioCapability.Channels)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return w, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
