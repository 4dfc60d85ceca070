package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/vibecoding/internal/livesync"
	"github.com/huangang/vibecoding/internal/services"
	"gorm.io/gorm"
)

// HealthHandler reports the state of the subsystems a workspace depends on.
type HealthHandler struct {
	db       *gorm.DB
	queue    services.TaskQueue
	registry *livesync.Registry
	busKind  string
}

func NewHealthHandler(db *gorm.DB, queue services.TaskQueue, registry *livesync.Registry, busKind string) *HealthHandler {
	return &HealthHandler{db: db, queue: queue, registry: registry, busKind: busKind}
}

// CheckHealth returns the health status of all subsystems.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	}

	queueMode := "sync"
	if h.queue != nil && h.queue.IsAsync() {
		queueMode = "async (Redis)"
	}

	status := 200
	if overall != "healthy" {
		status = 503
	}
	c.JSON(status, gin.H{
		"status":  overall,
		"service": "vibecoding",
		"components": gin.H{
			"database":      dbStatus,
			"queue_mode":    queueMode,
			"broadcast":     h.busKind,
			"live_sessions": h.registry.Len(),
		},
	})
}
