package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/bartaai/meshcall/internal/config"
	"github.com/bartaai/meshcall/internal/domain"
	"github.com/bartaai/meshcall/internal/media"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	videoPayloadType = 102
	audioPayloadType = 111
)

// Connector opens pion peer connections sharing one API instance.
type Connector struct {
	api      *pion.API
	config   pion.Configuration
	recorder domain.TrackRecorder
}

// NewConnector builds the media engine and interceptor chain. recorder may
// be nil.
func NewConnector(cfg *config.Config, recorder domain.TrackRecorder) (*Connector, error) {
	m := &pion.MediaEngine{}

	if err := m.RegisterCodec(pion.RTPCodecParameters{
		RTPCodecCapability: media.VideoCapability,
		PayloadType:        videoPayloadType,
	}, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264: %w", err)
	}
	if err := m.RegisterCodec(pion.RTPCodecParameters{
		RTPCodecCapability: media.AudioCapability,
		PayloadType:        audioPayloadType,
	}, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	i := &interceptor.Registry{}

	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeVideo)
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack", Parameter: "pli"}, pion.RTPCodecTypeVideo)
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create PLI interceptor: %w", err)
	}
	i.Add(pliFactory)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	return &Connector{
		api:      api,
		config:   iceConfiguration(cfg),
		recorder: recorder,
	}, nil
}

func iceConfiguration(cfg *config.Config) pion.Configuration {
	var servers []pion.ICEServer
	if stun := cfg.GetSTUNServers(); stun != nil {
		servers = append(servers, pion.ICEServer{URLs: stun})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		servers = append(servers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := pion.ICETransportPolicyAll
	if turnServers != nil && cfg.ForceRelay {
		policy = pion.ICETransportPolicyRelay
	}

	return pion.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
		BundlePolicy:       pion.BundlePolicyMaxBundle,
	}
}

// Connect creates a peer connection to remoteID publishing every track of
// local. Kinds without a local track are received only.
func (c *Connector) Connect(remoteID string, local *media.Stream, events domain.ConnectionEvents) (domain.Connection, error) {
	pc, err := c.api.NewPeerConnection(c.config)
	if err != nil {
		return nil, domain.NewPeerError("create peer connection", remoteID, err)
	}

	p := &Peer{
		remoteID: remoteID,
		pc:       pc,
		events:   events,
		recorder: c.recorder,
		log: log.With().
			Str("component", "webrtc").
			Str("peer", remoteID).
			Logger(),
	}

	if err := p.addLocalTracks(local); err != nil {
		pc.Close()
		return nil, domain.NewPeerError("add tracks", remoteID, err)
	}
	if err := p.openStateChannel(); err != nil {
		pc.Close()
		return nil, domain.NewPeerError("create data channel", remoteID, err)
	}

	pc.OnTrack(p.onTrack)
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("ICE connection state")
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("peer connection state")
		if state == pion.PeerConnectionStateFailed {
			p.failOnce.Do(func() { events.OnFailed(domain.ErrPeerFailed) })
		}
	})

	return p, nil
}

// Peer is one pion PeerConnection plus the media-state data channel.
type Peer struct {
	remoteID string
	pc       *pion.PeerConnection
	dc       *pion.DataChannel
	events   domain.ConnectionEvents
	recorder domain.TrackRecorder
	log      zerolog.Logger
	failOnce sync.Once

	mu      sync.Mutex
	remote  *media.Stream
	pending *domain.MediaState
	closed  bool
}

func (p *Peer) addLocalTracks(local *media.Stream) error {
	have := map[media.Kind]bool{}
	if local != nil {
		for _, t := range local.Tracks() {
			if t.Local() == nil {
				continue
			}
			sender, err := p.pc.AddTrack(t.Local())
			if err != nil {
				return fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			have[t.Kind()] = true
			go drainRTCP(sender)
		}
	}

	for _, codecType := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
		kind := media.KindOf(codecType)
		if have[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(codecType, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors such as NACK run.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) openStateChannel() error {
	negotiated := true
	id := uint16(stateChannelID)
	dc, err := p.pc.CreateDataChannel(stateChannelLabel, &pion.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		return err
	}
	p.dc = dc

	dc.OnOpen(func() {
		p.log.Debug().Msg("media-state channel opened")
		p.mu.Lock()
		state := p.pending
		p.mu.Unlock()
		if state != nil {
			p.sendState(*state)
		}
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		state, err := decodeMediaState(msg.Data)
		if err != nil {
			p.log.Warn().Err(err).Msg("ignoring data channel message")
			return
		}
		p.events.OnMediaState(state)
	})
	return nil
}

func (p *Peer) onTrack(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
	codec := track.Codec()
	kind := media.KindOf(track.Kind())
	p.log.Info().
		Str("kind", string(kind)).
		Str("codec", codec.MimeType).
		Uint8("pt", uint8(codec.PayloadType)).
		Msg("got remote track")

	t := media.NewTrack(track.ID(), kind)

	p.mu.Lock()
	first := p.remote == nil
	if first {
		p.remote = media.NewStream(track.StreamID())
	}
	stream := p.remote
	p.mu.Unlock()

	stream.AddTrack(t)
	if first {
		p.events.OnStream(stream)
	}

	go p.readTrack(track, t)
}

func (p *Peer) readTrack(remote *pion.TrackRemote, t *media.Track) {
	var writer domain.TrackWriter
	if p.recorder != nil {
		w, err := p.recorder.NewTrackWriter(p.remoteID, t.Kind())
		if err != nil {
			p.log.Error().Err(err).Msg("open track writer")
		} else {
			writer = w
		}
	}
	defer func() {
		if writer != nil {
			writer.Close()
		}
	}()

	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			p.log.Debug().Err(err).Str("kind", string(t.Kind())).Msg("remote track ended")
			return
		}
		t.AddBytes(len(pkt.Payload))
		if writer != nil {
			if err := writer.WriteRTP(pkt); err != nil {
				p.log.Warn().Err(err).Msg("record packet")
				writer.Close()
				writer = nil
			}
		}
	}
}

// CreateOffer creates an offer and waits for ICE gathering so the returned
// descriptor carries every candidate.
func (p *Peer) CreateOffer(ctx context.Context) (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, domain.NewPeerError("create offer", p.remoteID, err)
	}
	return p.setLocal(ctx, offer)
}

// CreateAnswer applies a remote offer and produces a complete answer.
func (p *Peer) CreateAnswer(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	if offer.Type != pion.SDPTypeOffer.String() {
		return domain.SDPPayload{}, domain.WrapError("create answer", domain.ErrUnexpectedSDP, offer.Type)
	}
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return domain.SDPPayload{}, domain.NewPeerError("set remote description", p.remoteID, err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, domain.NewPeerError("create answer", p.remoteID, err)
	}
	return p.setLocal(ctx, answer)
}

func (p *Peer) setLocal(ctx context.Context, desc pion.SessionDescription) (domain.SDPPayload, error) {
	gatherComplete := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return domain.SDPPayload{}, domain.NewPeerError("set local description", p.remoteID, err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return domain.SDPPayload{}, domain.NewPeerError("gather candidates", p.remoteID, ctx.Err())
	}

	local := p.pc.LocalDescription()
	p.log.Debug().Str("type", local.Type.String()).Msg("local description set")
	return domain.SDPPayload{Type: local.Type.String(), SDP: local.SDP}, nil
}

// SetAnswer applies the remote answer to our offer.
func (p *Peer) SetAnswer(answer domain.SDPPayload) error {
	if answer.Type != pion.SDPTypeAnswer.String() {
		return domain.WrapError("set answer", domain.ErrUnexpectedSDP, answer.Type)
	}
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return domain.NewPeerError("set remote description", p.remoteID, err)
	}
	p.log.Debug().Msg("remote answer set")
	return nil
}

// SendMediaState sends state now if the data channel is open, and again
// when it opens.
func (p *Peer) SendMediaState(state domain.MediaState) error {
	p.mu.Lock()
	p.pending = &state
	p.mu.Unlock()

	if p.dc.ReadyState() != pion.DataChannelStateOpen {
		return nil
	}
	return p.sendState(state)
}

func (p *Peer) sendState(state domain.MediaState) error {
	data, err := encodeMediaState(state)
	if err != nil {
		return fmt.Errorf("encode media state: %w", err)
	}
	if err := p.dc.Send(data); err != nil {
		return domain.NewPeerError("send media state", p.remoteID, err)
	}
	return nil
}

// Close shuts down the DataChannel and PeerConnection and ends the remote
// stream.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	remote := p.remote
	p.mu.Unlock()

	if p.dc != nil {
		p.dc.Close()
	}
	err := p.pc.Close()
	if remote != nil {
		remote.Close()
	}
	return err
}
