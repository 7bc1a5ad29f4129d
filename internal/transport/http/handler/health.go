package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"aiknowledge/internal/bootstrap"
	rabbitmqClient "aiknowledge/internal/platform/rabbitmq"
	redisClient "aiknowledge/internal/platform/redis"
)

type HealthHandler struct {
	app *bootstrap.App
}

type dependencyStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func NewHealthHandler(app *bootstrap.App) *HealthHandler {
	return &HealthHandler{app: app}
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := gin.H{
		"database": h.checkDatabase(ctx),
		"redis":    statusOf(redisClient.Ping(ctx, h.app.Redis)),
	}
	allOK := deps["database"].(dependencyStatus).OK && deps["redis"].(dependencyStatus).OK
	if h.app.MQConn != nil {
		rmq := statusOf(rabbitmqClient.Healthy(h.app.MQConn))
		deps["rabbitmq"] = rmq
		allOK = allOK && rmq.OK
	}

	statusCode := http.StatusOK
	if !allOK {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"app":          h.app.Config.App.Name,
		"env":          h.app.Config.App.Env,
		"uptime_sec":   int(time.Since(h.app.StartedAt).Seconds()),
		"dependencies": deps,
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) dependencyStatus {
	sqlDB, err := h.app.DB.DB()
	if err != nil {
		return statusOf(err)
	}
	return statusOf(sqlDB.PingContext(ctx))
}

func statusOf(err error) dependencyStatus {
	if err != nil {
		return dependencyStatus{OK: false, Message: err.Error()}
	}
	return dependencyStatus{OK: true}
}
