package handlers

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/nebulatech/volquota/internal/quota"

	"github.com/gin-gonic/gin"
)

// QuotasHandler serves per-project quota set endpoints.
type QuotasHandler struct {
	store *quota.Store
}

// NewQuotasHandler constructs a QuotasHandler.
func NewQuotasHandler(store *quota.Store) *QuotasHandler {
	return &QuotasHandler{store: store}
}

// Defaults returns the default class limits for every tracked resource.
func (h *QuotasHandler) Defaults(c *gin.Context) {
	defaults, errDefaults := h.store.Defaults(c.Request.Context())
	if errDefaults != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load defaults"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota_set": defaults})
}

// Get returns the effective limits of a project, defaults overlaid with the
// project's own overrides.
func (h *QuotasHandler) Get(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("project"))
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project is required"})
		return
	}
	limits, errLimits := h.store.EffectiveQuotas(c.Request.Context(), projectID)
	if errLimits != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load quotas"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "quota_set": limits})
}

// quotaSetRequest defines the update body: resource name to hard limit,
// negative meaning unlimited.
type quotaSetRequest struct {
	QuotaSet map[string]int64 `json:"quota_set"`
}

// Update creates or replaces per-project overrides for the listed
// resources. Unknown resources reject the whole request.
func (h *QuotasHandler) Update(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("project"))
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project is required"})
		return
	}
	var body quotaSetRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(body.QuotaSet) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quota_set is required"})
		return
	}
	if unknown := unknownResources(body.QuotaSet); len(unknown) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown resources: " + strings.Join(unknown, ", ")})
		return
	}

	for resource, limit := range body.QuotaSet {
		if errSet := h.store.Set(c.Request.Context(), projectID, resource, limit); errSet != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update quotas"})
			return
		}
	}

	limits, errLimits := h.store.EffectiveQuotas(c.Request.Context(), projectID)
	if errLimits != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load quotas"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "quota_set": limits})
}

// Delete removes every override of a project, returning it to the default
// class limits.
func (h *QuotasHandler) Delete(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("project"))
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project is required"})
		return
	}
	if errDestroy := h.store.DestroyAll(c.Request.Context(), projectID); errDestroy != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete quotas"})
		return
	}
	c.Status(http.StatusNoContent)
}

// QuotaClassesHandler serves quota class endpoints.
type QuotaClassesHandler struct {
	store *quota.Store
}

// NewQuotaClassesHandler constructs a QuotaClassesHandler.
func NewQuotaClassesHandler(store *quota.Store) *QuotaClassesHandler {
	return &QuotaClassesHandler{store: store}
}

// Get returns every stored limit of one class.
func (h *QuotaClassesHandler) Get(c *gin.Context) {
	className := strings.TrimSpace(c.Param("class"))
	if className == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "class is required"})
		return
	}
	limits, errLimits := h.store.GetClassAll(c.Request.Context(), className)
	if errLimits != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load quota class"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"class_name": className, "quota_class_set": limits})
}

// Update creates or replaces class limits for the listed resources.
func (h *QuotaClassesHandler) Update(c *gin.Context) {
	className := strings.TrimSpace(c.Param("class"))
	if className == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "class is required"})
		return
	}
	var body quotaSetRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(body.QuotaSet) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quota_set is required"})
		return
	}
	if unknown := unknownResources(body.QuotaSet); len(unknown) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown resources: " + strings.Join(unknown, ", ")})
		return
	}

	for resource, limit := range body.QuotaSet {
		if errSet := h.store.SetClass(c.Request.Context(), className, resource, limit); errSet != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update quota class"})
			return
		}
	}

	limits, errLimits := h.store.GetClassAll(c.Request.Context(), className)
	if errLimits != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load quota class"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"class_name": className, "quota_class_set": limits})
}

// DeleteResource removes one class limit.
func (h *QuotaClassesHandler) DeleteResource(c *gin.Context) {
	className := strings.TrimSpace(c.Param("class"))
	resource := strings.TrimSpace(c.Param("resource"))
	if className == "" || resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "class and resource are required"})
		return
	}
	errDestroy := h.store.DestroyClass(c.Request.Context(), className, resource)
	if errDestroy != nil {
		if errors.Is(errDestroy, quota.ErrQuotaClassNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "quota class not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete quota class"})
		return
	}
	c.Status(http.StatusNoContent)
}

// unknownResources returns the request keys with no sync function, sorted.
func unknownResources(quotaSet map[string]int64) []string {
	known := make(map[string]bool)
	for _, resource := range quota.KnownResources() {
		known[resource] = true
	}
	var unknown []string
	for resource := range quotaSet {
		if !known[resource] {
			unknown = append(unknown, resource)
		}
	}
	sort.Strings(unknown)
	return unknown
}
