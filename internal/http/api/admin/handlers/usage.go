package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/nebulatech/volquota/internal/quota"

	"github.com/gin-gonic/gin"
)

// UsageHandler serves usage ledger read and refresh endpoints.
type UsageHandler struct {
	store  *quota.Store
	ledger *quota.Ledger
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(store *quota.Store, ledger *quota.Ledger) *UsageHandler {
	return &UsageHandler{store: store, ledger: ledger}
}

// Get returns every usage row of a project.
func (h *UsageHandler) Get(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("project"))
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project is required"})
		return
	}
	usages, errUsages := h.store.GetUsageAll(c.Request.Context(), projectID)
	if errUsages != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "usage": usages})
}

// refreshRequest defines the manual refresh body; an empty resource list
// refreshes every tracked resource.
type refreshRequest struct {
	Resources []string `json:"resources"`
}

// Refresh recomputes usage from the domain tables for a project.
func (h *UsageHandler) Refresh(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("project"))
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project is required"})
		return
	}
	var body refreshRequest
	if c.Request.ContentLength > 0 {
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}

	errRefresh := h.ledger.RefreshUsage(c.Request.Context(), projectID, body.Resources)
	if errRefresh != nil {
		if errors.Is(errRefresh, quota.ErrUnknownResource) {
			c.JSON(http.StatusBadRequest, gin.H{"error": errRefresh.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to refresh usage"})
		return
	}

	usages, errUsages := h.store.GetUsageAll(c.Request.Context(), projectID)
	if errUsages != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "usage": usages})
}
