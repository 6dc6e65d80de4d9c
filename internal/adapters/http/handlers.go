package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/app/control"
	"github.com/dkeye/meshroom/internal/app/session"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Handlers struct {
	Ctl *control.Controller
}

type RoomResponse struct {
	app.RoomInfo
	Members  []domain.Participant `json:"members"`
	Sessions []session.Snapshot   `json:"sessions"`
}

func (h *Handlers) Health(c *gin.Context) {
	rooms, participants := h.Ctl.Registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"rooms":        rooms,
		"participants": participants,
	})
}

func (h *Handlers) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.Ctl.Registry.Rooms()})
}

func (h *Handlers) GetRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	info, ok := h.Ctl.Registry.Room(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.Code(domain.ErrUnknownRoom)})
		return
	}
	list, err := h.Ctl.Participants(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": domain.Code(err)})
		return
	}
	c.JSON(http.StatusOK, RoomResponse{
		RoomInfo: info,
		Members:  list,
		Sessions: h.Ctl.Sessions.Sessions(id),
	})
}

func (h *Handlers) CloseRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	n, err := h.Ctl.CloseRoom(c.Request.Context(), id)
	if errors.Is(err, domain.ErrUnknownRoom) {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.Code(err)})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("room", string(id)).Msg("close room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": domain.Code(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": id, "closed": true, "participants": n})
}

func (h *Handlers) GetParticipant(c *gin.Context) {
	id := domain.ParticipantID(c.Param("id"))
	list, err := h.Ctl.Locate(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.Code(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"participant_id": id, "memberships": list})
}

// DisconnectParticipant removes a participant from every room and closes
// its connections.
func (h *Handlers) DisconnectParticipant(c *gin.Context) {
	id := domain.ParticipantID(c.Param("id"))
	n, err := h.Ctl.Disconnect(c.Request.Context(), id, control.ReasonKicked)
	if errors.Is(err, domain.ErrUnknownParticipant) {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.Code(err)})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("participant", string(id)).Msg("disconnect participant")
		c.JSON(http.StatusInternalServerError, gin.H{"error": domain.Code(err)})
		return
	}
	log.Info().Str("module", "adapters.http").Str("participant", string(id)).Str("admin", c.GetString(gin.AuthUserKey)).
		Int("rooms", n).Msg("participant disconnected by admin")
	c.JSON(http.StatusOK, gin.H{"participant_id": id, "disconnected": true, "rooms": n})
}
