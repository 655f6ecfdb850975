package voice

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/discordant/realtime-core/internal/apperr"
)

// RegisterRoutes mounts the voice REST surface used by clients and the
// Chat/Gateway collaborators on r: room lifecycle, join/leave, participant
// mutation, and ICE/TURN server discovery. r is expected to already carry
// bearer-token authentication (see middleware.Auth); the webhook ingestion
// endpoint is authenticated separately by SFU signature and is mounted with
// RegisterWebhookRoute instead.
func (c *Coordinator) RegisterRoutes(r gin.IRouter) {
	r.POST("/api/voice/rooms", c.handleCreateRoom)
	r.GET("/api/voice/rooms", c.handleListRooms)
	r.GET("/api/voice/rooms/:id", c.handleGetRoom)
	r.DELETE("/api/voice/rooms/:id", c.handleDeleteRoom)
	r.POST("/api/voice/rooms/:id/join", c.handleJoinRoom)
	r.POST("/api/voice/rooms/:id/leave/:user_id", c.handleLeaveRoom)
	r.PUT("/api/voice/rooms/:id/participants/:user_id", c.handleUpdateParticipant)
	r.GET("/api/voice/ice-servers", c.handleICEServers)
}

// RegisterWebhookRoute mounts the SFU webhook endpoint on r. This is kept
// outside of RegisterRoutes because the SFU never carries a user bearer
// token; HandleWebhook verifies the SFU's own HMAC signature instead.
func (c *Coordinator) RegisterWebhookRoute(r gin.IRouter) {
	r.POST("/webhook/sfu", c.HandleWebhook)
}

func writeError(ctx *gin.Context, err error) {
	if ae, ok := apperr.Of(err); ok {
		ctx.JSON(ae.Kind.HTTPStatus(), gin.H{"error": ae.Code, "message": ae.Message})
		return
	}
	ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

type createRoomRequest struct {
	ChannelID       string `json:"channel_id" binding:"required"`
	GuildID         string `json:"guild_id"`
	Name            string `json:"name"`
	MaxParticipants int    `json:"max_participants"`
}

func (c *Coordinator) handleCreateRoom(ctx *gin.Context) {
	var req createRoomRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	key := RoomKey{GuildID: req.GuildID, ChannelID: req.ChannelID}
	room, err := c.CreateRoom(ctx.Request.Context(), key)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, room)
}

func (c *Coordinator) handleListRooms(ctx *gin.Context) {
	filter := RoomFilter{
		GuildID:    ctx.Query("guild_id"),
		ActiveOnly: ctx.Query("active_only") == "true",
	}
	if raw := ctx.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}

	rooms, err := c.ListRooms(ctx.Request.Context(), filter)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (c *Coordinator) handleGetRoom(ctx *gin.Context) {
	key := parseRoomKey(ctx.Param("id"))
	room, err := c.GetRoom(ctx.Request.Context(), key)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if room == nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	ctx.JSON(http.StatusOK, room)
}

func (c *Coordinator) handleDeleteRoom(ctx *gin.Context) {
	key := parseRoomKey(ctx.Param("id"))
	if err := c.DeleteRoom(ctx.Request.Context(), key); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

type joinRoomRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

func (c *Coordinator) handleJoinRoom(ctx *gin.Context) {
	var req joinRoomRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	key := parseRoomKey(ctx.Param("id"))
	role := RoleMember
	if req.IsAdmin {
		role = RoleAdmin
	}

	result, err := c.JoinRoom(ctx.Request.Context(), key, req.UserID, role)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"access_token": result.Token,
		"server_url":   c.sfuBaseURLForClients(),
		"room_name":    result.RoomName,
		"ice_servers":  result.ICEServers,
		"turn_servers": result.STUNServers,
	})
}

func (c *Coordinator) handleLeaveRoom(ctx *gin.Context) {
	key := parseRoomKey(ctx.Param("id"))
	userID := ctx.Param("user_id")
	if err := c.LeaveRoom(ctx.Request.Context(), key, userID); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

type updateParticipantRequest struct {
	IsMuted    *bool `json:"is_muted"`
	IsDeafened *bool `json:"is_deafened"`
	IsStreaming *bool `json:"is_streaming"`
}

func (c *Coordinator) handleUpdateParticipant(ctx *gin.Context) {
	var req updateParticipantRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	key := parseRoomKey(ctx.Param("id"))
	userID := ctx.Param("user_id")
	if err := c.UpdateParticipant(ctx.Request.Context(), key, userID, req.IsMuted, req.IsDeafened, req.IsStreaming); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (c *Coordinator) handleICEServers(ctx *gin.Context) {
	userID := ctx.Query("user_id")
	iceURIs, stunURIs := c.ICEServers()
	creds, err := c.IssueTURNCredentials(userID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ice_servers": iceURIs,
		"stun_servers": stunURIs,
		"turn_credentials": creds,
	})
}

// sfuBaseURLForClients exposes the SFU's public endpoint to room-join
// responses. The admin baseURL used internally for room management is not
// necessarily the client-facing media URL, but this deployment treats them
// as the same host.
func (c *Coordinator) sfuBaseURLForClients() string {
	if hc, ok := c.sfu.(*sfuClient); ok {
		return hc.baseURL
	}
	return ""
}
