package handler

import (
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"aiknowledge/internal/adapter/webcrawl"
	"aiknowledge/internal/app"
	"aiknowledge/internal/pkg/logger"
	"aiknowledge/internal/transport/http/response"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives callbacks from the crawling service. It sits
// outside JWT auth and checks the shared secret header instead.
type WebhookHandler struct {
	service *app.DataSourceService
	secret  string
	logger  *slog.Logger
}

func NewWebhookHandler(service *app.DataSourceService, secret string, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &WebhookHandler{service: service, secret: secret, logger: log.With("component", "webhook")}
}

func (h *WebhookHandler) Crawl(c *gin.Context) {
	if h.secret != "" {
		got := c.GetHeader(webcrawl.WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid webhook secret")
			return
		}
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "read body failed")
		return
	}
	if err := h.service.ReceiveCrawlWebhook(c.Request.Context(), body); err != nil {
		writeError(c, h.logger, err, "handle crawl webhook failed")
		return
	}
	response.Accepted(c, nil)
}
