package mesh

import (
	"github.com/bartaai/meshcall/internal/domain"
	"github.com/bartaai/meshcall/internal/media"
)

type event interface {
	isEvent()
}

// roomChanged asks the manager to reconcile entries against membership.
type roomChanged struct{}

type offerReceived struct {
	env domain.Envelope
}

type answerReceived struct {
	env domain.Envelope
}

// descriptionReady carries the result of an asynchronous offer or answer.
type descriptionReady struct {
	remoteID string
	gen      uint64
	desc     domain.SDPPayload
	err      error
}

type streamAdded struct {
	remoteID string
	gen      uint64
	stream   *media.Stream
}

type mediaStateReceived struct {
	remoteID string
	gen      uint64
	state    domain.MediaState
}

type connectionFailed struct {
	remoteID string
	gen      uint64
	err      error
}

type mediaBroadcast struct {
	state domain.MediaState
}

type leaveRequested struct {
	done chan struct{}
}

func (roomChanged) isEvent()        {}
func (offerReceived) isEvent()      {}
func (answerReceived) isEvent()     {}
func (descriptionReady) isEvent()   {}
func (streamAdded) isEvent()        {}
func (mediaStateReceived) isEvent() {}
func (connectionFailed) isEvent()   {}
func (mediaBroadcast) isEvent()     {}
func (leaveRequested) isEvent()     {}

// connEvents posts connection callbacks into the manager's queue, stamped
// with the entry generation they belong to.
type connEvents struct {
	queue    *eventQueue
	remoteID string
	gen      uint64
}

func (c *connEvents) OnStream(stream *media.Stream) {
	c.queue.push(streamAdded{remoteID: c.remoteID, gen: c.gen, stream: stream})
}

func (c *connEvents) OnMediaState(state domain.MediaState) {
	c.queue.push(mediaStateReceived{remoteID: c.remoteID, gen: c.gen, state: state})
}

func (c *connEvents) OnFailed(err error) {
	c.queue.push(connectionFailed{remoteID: c.remoteID, gen: c.gen, err: err})
}
