package groups

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/thriftcircle/groups/internal/auth"
	"github.com/thriftcircle/groups/internal/middleware"
	"github.com/thriftcircle/groups/internal/models"
	"github.com/thriftcircle/groups/pkg/response"
)

// Handler handles group HTTP endpoints.
type Handler struct {
	engine *Engine
	query  *Query
}

// NewHandler creates a groups handler.
func NewHandler(engine *Engine, query *Query) *Handler {
	return &Handler{engine: engine, query: query}
}

// CreateGroupRequest is the body for POST /groups.
type CreateGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// GroupRefRequest is the body for the legacy POST /groups/join and /groups/leave.
type GroupRefRequest struct {
	GroupID string `json:"group_id" binding:"required"`
}

// SetRoleRequest is the body for PATCH /groups/:id/members/:member_id.
type SetRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// Register mounts the group routes on an authenticated router group.
func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/groups", h.CreateGroup)
	r.GET("/groups", h.ListGroups)
	r.POST("/groups/join", h.JoinByBody)
	r.POST("/groups/leave", h.LeaveByBody)
	r.GET("/groups/:id", h.GetGroup)
	r.DELETE("/groups/:id", h.DeleteGroup)
	r.POST("/groups/:id/join", h.Join)
	r.POST("/groups/:id/leave", h.Leave)
	r.PATCH("/groups/:id/members/:member_id", h.SetRole)
}

// CreateGroup handles POST /groups. The caller becomes the group's admin.
func (h *Handler) CreateGroup(c *gin.Context) {
	caller, ok := callerIdentity(c)
	if !ok {
		return
	}
	var body CreateGroupRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid_body", "request body must be a JSON object with name and description strings")
		return
	}
	g, err := h.engine.CreateGroup(c.Request.Context(), body.Name, body.Description, caller)
	if err != nil {
		RespondError(c, err)
		return
	}
	response.Created(c, g)
}

// ListGroups handles GET /groups. Returns groups the caller belongs or belonged to.
func (h *Handler) ListGroups(c *gin.Context) {
	caller, ok := callerIdentity(c)
	if !ok {
		return
	}
	views, err := h.query.ListForCaller(c.Request.Context(), caller)
	if err != nil {
		RespondError(c, err)
		return
	}
	response.OK(c, views)
}

// GetGroup handles GET /groups/:id.
func (h *Handler) GetGroup(c *gin.Context) {
	groupID, ok := groupIDParam(c, c.Param("id"))
	if !ok {
		return
	}
	v, err := h.query.GetDetail(c.Request.Context(), groupID)
	if err != nil {
		RespondError(c, err)
		return
	}
	response.OK(c, v)
}

// Join handles POST /groups/:id/join.
func (h *Handler) Join(c *gin.Context) {
	groupID, ok := groupIDParam(c, c.Param("id"))
	if !ok {
		return
	}
	h.join(c, groupID)
}

// JoinByBody handles POST /groups/join with {"group_id": ...}.
func (h *Handler) JoinByBody(c *gin.Context) {
	groupID, ok := groupIDBody(c)
	if !ok {
		return
	}
	h.join(c, groupID)
}

func (h *Handler) join(c *gin.Context, groupID uuid.UUID) {
	caller, ok := callerIdentity(c)
	if !ok {
		return
	}
	m, err := h.engine.Join(c.Request.Context(), groupID, caller)
	if err != nil {
		RespondError(c, err)
		return
	}
	response.Created(c, m)
}

// Leave handles POST /groups/:id/leave.
func (h *Handler) Leave(c *gin.Context) {
	groupID, ok := groupIDParam(c, c.Param("id"))
	if !ok {
		return
	}
	h.leave(c, groupID)
}

// LeaveByBody handles POST /groups/leave with {"group_id": ...}.
func (h *Handler) LeaveByBody(c *gin.Context) {
	groupID, ok := groupIDBody(c)
	if !ok {
		return
	}
	h.leave(c, groupID)
}

func (h *Handler) leave(c *gin.Context, groupID uuid.UUID) {
	caller, ok := callerIdentity(c)
	if !ok {
		return
	}
	if err := h.engine.Leave(c.Request.Context(), groupID, caller); err != nil {
		RespondError(c, err)
		return
	}
	response.OK(c, gin.H{"message": "left group"})
}

// SetRole handles PATCH /groups/:id/members/:member_id. Group admins only.
func (h *Handler) SetRole(c *gin.Context) {
	groupID, ok := groupIDParam(c, c.Param("id"))
	if !ok {
		return
	}
	caller, ok := callerIdentity(c)
	if !ok {
		return
	}
	var body SetRoleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid_role", "role required")
		return
	}
	role := models.MemberRole(strings.ToLower(strings.TrimSpace(body.Role)))
	m, err := h.engine.SetRole(c.Request.Context(), groupID, caller, c.Param("member_id"), role)
	if err != nil {
		RespondError(c, err)
		return
	}
	response.OK(c, m)
}

// DeleteGroup handles DELETE /groups/:id. Group admins and platform admins only.
func (h *Handler) DeleteGroup(c *gin.Context) {
	groupID, ok := groupIDParam(c, c.Param("id"))
	if !ok {
		return
	}
	caller, ok := callerIdentity(c)
	if !ok {
		return
	}
	if err := h.engine.DeleteGroup(c.Request.Context(), groupID, caller); err != nil {
		RespondError(c, err)
		return
	}
	response.OK(c, gin.H{"message": "group deleted"})
}

func callerIdentity(c *gin.Context) (auth.Identity, bool) {
	id, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return auth.Identity{}, false
	}
	return id, true
}

func groupIDParam(c *gin.Context, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid_group_id", "invalid group id")
		return uuid.Nil, false
	}
	return id, true
}

func groupIDBody(c *gin.Context) (uuid.UUID, bool) {
	var body GroupRefRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid_group_id", "group_id required")
		return uuid.Nil, false
	}
	return groupIDParam(c, body.GroupID)
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind Kind) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// RespondError writes err as a response envelope with the status for its kind.
func RespondError(c *gin.Context, err error) {
	var e *Error
	if !errors.As(err, &e) {
		response.Internal(c, "internal error")
		return
	}
	if e.Kind == KindTransient {
		c.Header("Retry-After", "1")
	}
	response.Fail(c, StatusFor(e.Kind), e.Code, e.Reason)
}
