package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	pion "github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	h264FrameDuration = 33 * time.Millisecond
	oggPageDuration   = 20 * time.Millisecond
	opusSampleRate    = 48000
)

var (
	// ErrNoSource is returned when neither a video nor an audio file is configured.
	ErrNoSource = errors.New("no capture source configured")

	// ErrCaptureFailed wraps every failure to open or parse a source.
	ErrCaptureFailed = errors.New("media capture failed")

	VideoCapability = pion.RTPCodecCapability{
		MimeType:    pion.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
	}

	AudioCapability = pion.RTPCodecCapability{
		MimeType:  pion.MimeTypeOpus,
		ClockRate: opusSampleRate,
		Channels:  2,
	}
)

// CaptureOptions names the files standing in for the camera and microphone.
type CaptureOptions struct {
	StreamID  string
	VideoPath string // H.264 Annex-B elementary stream
	AudioPath string // Ogg container with Opus pages
}

// Capture opens the configured sources and starts pacing their samples into
// local tracks. Sources loop at end of file. Disabled tracks keep their pace
// but write nothing. The returned stream stops its sources on Close or when
// ctx is done.
func Capture(ctx context.Context, opts CaptureOptions) (*Stream, error) {
	if opts.VideoPath == "" && opts.AudioPath == "" {
		return nil, ErrNoSource
	}

	ctx, cancel := context.WithCancel(ctx)
	stream := NewStream(opts.StreamID)
	stream.OnClose(cancel)

	if opts.VideoPath != "" {
		src, err := openVideo(opts.VideoPath)
		if err != nil {
			cancel()
			return nil, err
		}
		local, err := pion.NewTrackLocalStaticSample(VideoCapability, "video", opts.StreamID)
		if err != nil {
			src.Close()
			cancel()
			return nil, fmt.Errorf("create video track: %w", err)
		}
		track := NewLocalTrack(local)
		stream.AddTrack(track)
		go pumpVideo(ctx, src, track, local)
	}

	if opts.AudioPath != "" {
		src, err := openAudio(opts.AudioPath)
		if err != nil {
			stream.Close()
			return nil, err
		}
		local, err := pion.NewTrackLocalStaticSample(AudioCapability, "audio", opts.StreamID)
		if err != nil {
			src.Close()
			stream.Close()
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		track := NewLocalTrack(local)
		stream.AddTrack(track)
		go pumpAudio(ctx, src, track, local)
	}

	return stream, nil
}

type videoSource struct {
	file   *os.File
	reader *h264reader.H264Reader
}

func openVideo(path string) (*videoSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open video: %w", ErrCaptureFailed, err)
	}
	src := &videoSource{file: f}
	if err := src.rewind(); err != nil {
		f.Close()
		return nil, err
	}
	// Probe one NAL so a file that is not Annex-B fails here, not mid-call.
	if _, err := src.reader.NextNAL(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read video: %w", ErrCaptureFailed, err)
	}
	if err := src.rewind(); err != nil {
		f.Close()
		return nil, err
	}
	return src, nil
}

func (v *videoSource) rewind() error {
	if _, err := v.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek video: %w", ErrCaptureFailed, err)
	}
	r, err := h264reader.NewReader(v.file)
	if err != nil {
		return fmt.Errorf("%w: h264 reader: %w", ErrCaptureFailed, err)
	}
	v.reader = r
	return nil
}

func (v *videoSource) Close() error {
	return v.file.Close()
}

type audioSource struct {
	file   *os.File
	reader *oggreader.OggReader
}

func openAudio(path string) (*audioSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open audio: %w", ErrCaptureFailed, err)
	}
	src := &audioSource{file: f}
	if err := src.rewind(); err != nil {
		f.Close()
		return nil, err
	}
	return src, nil
}

func (a *audioSource) rewind() error {
	if _, err := a.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek audio: %w", ErrCaptureFailed, err)
	}
	r, _, err := oggreader.NewWith(a.file)
	if err != nil {
		return fmt.Errorf("%w: ogg reader: %w", ErrCaptureFailed, err)
	}
	a.reader = r
	return nil
}

func (a *audioSource) Close() error {
	return a.file.Close()
}

func pumpVideo(ctx context.Context, src *videoSource, track *Track, out *pion.TrackLocalStaticSample) {
	defer src.Close()
	l := log.With().Str("component", "capture").Str("track", "video").Logger()

	ticker := time.NewTicker(h264FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		nal, err := src.reader.NextNAL()
		if errors.Is(err, io.EOF) {
			if err := src.rewind(); err != nil {
				l.Error().Err(err).Msg("rewind failed, stopping")
				return
			}
			continue
		}
		if err != nil {
			l.Error().Err(err).Msg("read failed, stopping")
			return
		}

		if !track.Enabled() {
			continue
		}
		if err := out.WriteSample(pmedia.Sample{Data: nal.Data, Duration: h264FrameDuration}); err != nil {
			l.Debug().Err(err).Msg("write sample")
		}
	}
}

func pumpAudio(ctx context.Context, src *audioSource, track *Track, out *pion.TrackLocalStaticSample) {
	defer src.Close()
	l := log.With().Str("component", "capture").Str("track", "audio").Logger()

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		page, header, err := src.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if err := src.rewind(); err != nil {
				l.Error().Err(err).Msg("rewind failed, stopping")
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			l.Error().Err(err).Msg("read failed, stopping")
			return
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		if !track.Enabled() {
			continue
		}

		duration := time.Duration((float64(samples) / opusSampleRate) * float64(time.Second))
		if err := out.WriteSample(pmedia.Sample{Data: page, Duration: duration}); err != nil {
			l.Debug().Err(err).Msg("write sample")
		}
	}
}
