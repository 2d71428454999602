package domain

import (
	"context"

	"github.com/bartaai/meshcall/internal/media"

	"github.com/pion/rtp"
)

// Signaler sends envelopes to the relay. Delivery is best effort.
type Signaler interface {
	Send(env Envelope)
}

// NegotiationHandler receives offer and answer envelopes from the relay.
type NegotiationHandler interface {
	OnOffer(env Envelope)
	OnAnswer(env Envelope)
}

// ConnectionEvents receives asynchronous notifications from one connection.
type ConnectionEvents interface {
	OnStream(stream *media.Stream)
	OnMediaState(state MediaState)
	OnFailed(err error)
}

// Connector opens media connections to remote participants.
type Connector interface {
	Connect(remoteID string, local *media.Stream, events ConnectionEvents) (Connection, error)
}

// Connection is one negotiated media link to a remote participant.
type Connection interface {
	CreateOffer(ctx context.Context) (SDPPayload, error)
	CreateAnswer(ctx context.Context, offer SDPPayload) (SDPPayload, error)
	SetAnswer(answer SDPPayload) error
	SendMediaState(state MediaState) error
	Close() error
}

// TrackWriter persists the RTP packets of one remote track.
type TrackWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// TrackRecorder opens a TrackWriter per remote track.
type TrackRecorder interface {
	NewTrackWriter(participantID string, kind media.Kind) (TrackWriter, error)
}
