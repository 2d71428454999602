package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/bartaai/meshcall/internal/domain"
	"github.com/bartaai/meshcall/internal/media"
	"github.com/bartaai/meshcall/internal/mesh"
	"github.com/bartaai/meshcall/internal/room"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Controller is the session surface the API drives.
type Controller interface {
	Store() *room.Store
	Peers() []mesh.PeerInfo
	InviteURL() string
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	Leave(ctx context.Context) error
}

// Handler serves the control API for one session.
type Handler struct {
	Session Controller
}

// NewHandler returns a Handler driving session.
func NewHandler(session Controller) *Handler {
	return &Handler{Session: session}
}

// NewRouter mounts the control API routes behind request id, logging and
// panic recovery middleware.
func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Get("/room", h.getRoom)
	r.Get("/invite", h.getInvite)
	r.Post("/media/{kind}/toggle", h.toggleMedia)
	r.Post("/leave", h.leave)

	return r
}

type participantView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Local         bool   `json:"local"`
	AudioEnabled  bool   `json:"audioEnabled"`
	VideoEnabled  bool   `json:"videoEnabled"`
	HasStream     bool   `json:"hasStream"`
	BytesReceived uint64 `json:"bytesReceived"`
}

type roomView struct {
	ID           string            `json:"id"`
	Participants []participantView `json:"participants"`
	Peers        []mesh.PeerInfo   `json:"peers"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	store := h.Session.Store()
	current, ok := store.CurrentRoom()
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrNoRoom)
		return
	}
	local, _ := store.LocalParticipant()

	view := roomView{ID: current.ID, Peers: h.Session.Peers()}
	for _, p := range current.Participants {
		pv := participantView{
			ID:           p.ID,
			Name:         p.Name,
			Local:        p.ID == local.ID,
			AudioEnabled: p.AudioEnabled,
			VideoEnabled: p.VideoEnabled,
			HasStream:    p.Stream != nil,
		}
		if p.Stream != nil && !pv.Local {
			pv.BytesReceived = p.Stream.BytesReceived()
		}
		view.Participants = append(view.Participants, pv)
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) getInvite(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.Session.Store().CurrentRoom(); !ok {
		writeError(w, http.StatusNotFound, domain.ErrNoRoom)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": h.Session.InviteURL()})
}

func (h *Handler) toggleMedia(w http.ResponseWriter, r *http.Request) {
	var toggle func() (bool, error)
	switch media.Kind(chi.URLParam(r, "kind")) {
	case media.KindAudio:
		toggle = h.Session.ToggleAudio
	case media.KindVideo:
		toggle = h.Session.ToggleVideo
	default:
		writeError(w, http.StatusBadRequest, errors.New("kind must be audio or video"))
		return
	}

	enabled, err := toggle()
	if errors.Is(err, domain.ErrNoRoom) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (h *Handler) leave(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.Leave(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("component", "httpapi").
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Str("component", "httpapi").Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
