package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/nebulatech/volquota/internal/models"
	"github.com/nebulatech/volquota/internal/quota"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ReservationsHandler serves pending reservation inspection and the manual
// expire sweep.
type ReservationsHandler struct {
	db     *gorm.DB
	ledger *quota.Ledger
}

// NewReservationsHandler constructs a ReservationsHandler.
func NewReservationsHandler(db *gorm.DB, ledger *quota.Ledger) *ReservationsHandler {
	return &ReservationsHandler{db: db, ledger: ledger}
}

// reservationResponse is one pending reservation row.
type reservationResponse struct {
	UUID      string    `json:"uuid"`
	ProjectID string    `json:"project_id"`
	Resource  string    `json:"resource"`
	Delta     int64     `json:"delta"`
	Expire    time.Time `json:"expire"`
	CreatedAt time.Time `json:"created_at"`
}

// List returns pending reservations, optionally filtered by project.
func (h *ReservationsHandler) List(c *gin.Context) {
	q := h.db.WithContext(c.Request.Context()).Model(&models.Reservation{})
	if projectID := strings.TrimSpace(c.Query("project")); projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}

	var rows []models.Reservation
	if errFind := q.Order("id ASC").Limit(1000).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load reservations"})
		return
	}

	out := make([]reservationResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, reservationResponse{
			UUID:      row.UUID,
			ProjectID: row.ProjectID,
			Resource:  row.Resource,
			Delta:     row.Delta,
			Expire:    row.Expire,
			CreatedAt: row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"reservations": out})
}

// ExpireNow runs one expired reservation sweep immediately.
func (h *ReservationsHandler) ExpireNow(c *gin.Context) {
	expired, errExpire := h.ledger.Expire(c.Request.Context(), time.Now().UTC())
	if errExpire != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to expire reservations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": expired})
}
