package admin

import (
	"net/http"
	"strings"

	"github.com/nebulatech/volquota/internal/config"
	"github.com/nebulatech/volquota/internal/http/api/admin/handlers"
	"github.com/nebulatech/volquota/internal/models"
	"github.com/nebulatech/volquota/internal/quota"
	"github.com/nebulatech/volquota/internal/security"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// RegisterAdminRoutes registers the admin API under /v0/admin.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, ledger *quota.Ledger) {
	if r == nil || db == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/healthz", healthHandler.Healthz)

	group := r.Group("/v0/admin")

	authHandler := handlers.NewAuthHandler(db, jwtCfg)
	group.POST("/login", authHandler.Login)

	authed := group.Group("")
	authed.Use(adminAuthMiddleware(db, jwtCfg))

	store := quota.NewStore(db)

	quotasHandler := handlers.NewQuotasHandler(store)
	authed.GET("/quota-sets/defaults", quotasHandler.Defaults)
	authed.GET("/quota-sets/:project", quotasHandler.Get)
	authed.PUT("/quota-sets/:project", quotasHandler.Update)
	authed.DELETE("/quota-sets/:project", quotasHandler.Delete)

	classesHandler := handlers.NewQuotaClassesHandler(store)
	authed.GET("/quota-classes/:class", classesHandler.Get)
	authed.PUT("/quota-classes/:class", classesHandler.Update)
	authed.DELETE("/quota-classes/:class/:resource", classesHandler.DeleteResource)

	usageHandler := handlers.NewUsageHandler(store, ledger)
	authed.GET("/usage/:project", usageHandler.Get)
	authed.POST("/usage/:project/refresh", usageHandler.Refresh)

	reservationsHandler := handlers.NewReservationsHandler(db, ledger)
	authed.GET("/reservations", reservationsHandler.List)
	authed.POST("/reservations/expire", reservationsHandler.ExpireNow)

	settingsHandler := handlers.NewSettingsHandler(db)
	authed.GET("/settings", settingsHandler.List)
	authed.PUT("/settings", settingsHandler.Update)
}

// adminAuthMiddleware validates admin JWTs and loads the admin into context.
func adminAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var admin models.Admin
		if errFind := db.WithContext(c.Request.Context()).First(&admin, claims.AdminID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
			return
		}
		if !admin.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin account is disabled"})
			return
		}

		c.Set("adminID", admin.ID)
		c.Next()
	}
}
