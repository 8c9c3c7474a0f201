package audit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/thriftcircle/groups/internal/groups"
	"github.com/thriftcircle/groups/internal/middleware"
	"github.com/thriftcircle/groups/pkg/response"
)

// Handler handles audit export endpoints.
type Handler struct {
	exporter *Exporter
}

// NewHandler creates an audit handler.
func NewHandler(exporter *Exporter) *Handler {
	return &Handler{exporter: exporter}
}

// Register mounts the audit routes on an authenticated router group.
func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/groups/:id/audit-export", h.Export)
}

// Export handles POST /groups/:id/audit-export.
func (h *Handler) Export(c *gin.Context) {
	groupID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid_group_id", "invalid group id")
		return
	}
	caller, ok := middleware.Identity(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	out, err := h.exporter.Export(c.Request.Context(), groupID, caller)
	if err != nil {
		if errors.Is(err, ErrDisabled) {
			response.Fail(c, http.StatusServiceUnavailable, "audit_disabled", err.Error())
			return
		}
		groups.RespondError(c, err)
		return
	}
	response.Created(c, out)
}
