package presence

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the presence REST surface: single-user lookup,
// explicit status updates, bulk lookup, and per-guild online rosters.
func (c *Coordinator) RegisterRoutes(r gin.IRouter) {
	r.GET("/presence/:user_id", c.handleGet)
	r.POST("/presence/update", c.handleUpdate)
	r.POST("/presence/bulk", c.handleBulk)
	r.GET("/presence/guild/:id", c.handleGuild)
}

func (c *Coordinator) handleGet(ctx *gin.Context) {
	rec, err := c.Get(ctx.Request.Context(), ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	ctx.JSON(http.StatusOK, rec)
}

type updateRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Status   Status `json:"status" binding:"required"`
	Activity string `json:"activity"`
}

var validStatuses = map[Status]struct{}{
	StatusOffline: {}, StatusOnline: {}, StatusIdle: {}, StatusDoNotDisturb: {}, StatusInvisible: {},
}

func (c *Coordinator) handleUpdate(ctx *gin.Context) {
	var req updateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	if _, ok := validStatuses[req.Status]; !ok {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}

	rec, err := c.SetStatus(ctx.Request.Context(), req.UserID, req.Status, req.Activity)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	ctx.JSON(http.StatusOK, rec)
}

type bulkRequest struct {
	UserIDs []string `json:"user_ids" binding:"required"`
}

func (c *Coordinator) handleBulk(ctx *gin.Context) {
	var req bulkRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	records, err := c.BulkGet(ctx.Request.Context(), req.UserIDs)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"records": records})
}

func (c *Coordinator) handleGuild(ctx *gin.Context) {
	userIDs, err := c.GuildOnline(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	records, err := c.BulkGet(ctx.Request.Context(), userIDs)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"online": records})
}
