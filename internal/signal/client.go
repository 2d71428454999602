package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bartaai/meshcall/internal/domain"
	"github.com/bartaai/meshcall/internal/room"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 256 * 1024
)

// Client manages the WebSocket connection to the signaling relay for one
// room. There is no reconnect: once the connection drops, signaling stays
// inert until the participant rejoins.
type Client struct {
	relayURL string
	roomID   string
	self     room.Participant
	store    *room.Store
	handler  domain.NegotiationHandler
	dialer   *websocket.Dialer
	log      zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	open atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewClient creates a signaling client. Membership events are applied to
// store; offers and answers go to handler.
func NewClient(relayURL, roomID string, self room.Participant, store *room.Store, handler domain.NegotiationHandler) *Client {
	return &Client{
		relayURL: relayURL,
		roomID:   roomID,
		self:     self,
		store:    store,
		handler:  handler,
		dialer:   websocket.DefaultDialer,
		log: log.With().
			Str("component", "signal").
			Str("room", roomID).
			Logger(),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Connect dials the relay, announces the participant with a join envelope
// and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.relayURL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("roomId", c.roomID)
	q.Set("participantId", c.self.ID)
	u.RawQuery = q.Encode()

	join, err := domain.NewEnvelope(domain.TypeJoin, c.roomID, c.self.ID, "", domain.JoinPayload{Name: c.self.Name})
	if err != nil {
		return err
	}

	c.log.Info().Str("url", u.String()).Msg("connecting")

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		close(c.done)
		return domain.NewError("dial relay", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.open.Store(true)
	c.Send(join)

	go c.readLoop()
	go c.pingLoop()

	return nil
}

// Open reports whether envelopes are currently being transmitted.
func (c *Client) Open() bool {
	return c.open.Load()
}

// Done is closed once the connection is gone, whether by Close, a read
// error or a failed Connect.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send transmits env if the channel is open and drops it otherwise.
func (c *Client) Send(env domain.Envelope) {
	if !c.open.Load() {
		c.log.Debug().Str("type", string(env.Type)).Msg("channel not open, dropping")
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal envelope")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Debug().Str("type", string(env.Type)).Str("target", env.TargetID).Msg(">>>")
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Error().Err(err).Msg("write failed")
	}
}

// Close shuts down the WebSocket connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.open.Store(false)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn == nil {
			return
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.open.Store(false)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Error().Err(err).Msg("read failed, signaling is now inert")
				} else {
					c.log.Warn().Err(err).Msg("connection closed, signaling is now inert")
				}
				c.conn.Close()
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Msg("ignoring malformed envelope")
			continue
		}
		if !env.Valid() {
			c.log.Warn().Str("type", string(env.Type)).Msg("ignoring invalid envelope")
			continue
		}

		c.log.Debug().Str("type", string(env.Type)).Str("sender", env.SenderID).Msg("<<<")
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env domain.Envelope) {
	if env.RoomID != "" && env.RoomID != c.roomID {
		c.log.Warn().Str("type", string(env.Type)).Str("envelope_room", env.RoomID).Msg("ignoring envelope for another room")
		return
	}
	if _, ok := c.store.CurrentRoom(); !ok {
		return
	}
	local, ok := c.store.LocalParticipant()
	if !ok {
		return
	}

	switch env.Type {
	case domain.TypeParticipantJoined:
		if env.SenderID == local.ID {
			return
		}
		var payload domain.JoinPayload
		if err := env.Decode(&payload); err != nil {
			c.log.Debug().Err(err).Msg("participant-joined without name")
		}
		added := c.store.AddParticipant(room.Participant{
			ID:           env.SenderID,
			Name:         payload.Name,
			VideoEnabled: true,
			AudioEnabled: true,
		})
		c.log.Info().Str("participant", env.SenderID).Bool("new", added).Msg("participant joined")

	case domain.TypeParticipantLeft:
		if env.SenderID == local.ID {
			return
		}
		removed := c.store.RemoveParticipant(env.SenderID)
		c.log.Info().Str("participant", env.SenderID).Bool("known", removed).Msg("participant left")

	case domain.TypeOffer:
		c.handler.OnOffer(env)

	case domain.TypeAnswer:
		c.handler.OnAnswer(env)

	default:
		c.log.Debug().Str("type", string(env.Type)).Msg("unhandled envelope")
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				c.log.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}
