package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"aiknowledge/internal/app"
	"aiknowledge/internal/transport/http/middleware"
	"aiknowledge/internal/transport/http/response"
)

type caller struct {
	OrgID  string
	UserID string
}

func getCaller(c *gin.Context) (caller, bool) {
	orgID := c.GetString(middleware.ContextOrgIDKey)
	userID := c.GetString(middleware.ContextUserIDKey)
	if orgID == "" || userID == "" {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return caller{}, false
	}
	return caller{OrgID: orgID, UserID: userID}, true
}

// writeError maps service errors to responses. Anything unrecognized is
// logged and reported with the fallback message.
func writeError(c *gin.Context, log *slog.Logger, err error, fallback string) {
	switch {
	case app.IsInputError(err):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrDataSourceNotFound),
		errors.Is(err, app.ErrKnowledgeNotFound),
		errors.Is(err, app.ErrWebhookUnknown):
		response.Error(c, http.StatusNotFound, response.CodeNotFound, err.Error())
	case errors.Is(err, app.ErrSourceBusy), errors.Is(err, app.ErrKnowledgeNotRetryable):
		response.Error(c, http.StatusConflict, response.CodeConflict, err.Error())
	default:
		log.Error(fallback, "path", c.FullPath(), "err", err)
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}
