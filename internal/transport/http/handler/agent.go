package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"aiknowledge/internal/app"
	"aiknowledge/internal/pkg/logger"
	"aiknowledge/internal/transport/http/response"
)

type AgentHandler struct {
	sources *app.DataSourceService
	context *app.ContextService
	logger  *slog.Logger
}

type AssembleContextRequest struct {
	Prompt  string            `json:"prompt" binding:"required"`
	History []app.ChatMessage `json:"history"`
	Budget  app.ContextBudget `json:"budget"`
}

func NewAgentHandler(sources *app.DataSourceService, context *app.ContextService, log *slog.Logger) *AgentHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &AgentHandler{sources: sources, context: context, logger: log.With("component", "http")}
}

func (h *AgentHandler) ListDataSources(c *gin.Context) {
	who, ok := getCaller(c)
	if !ok {
		return
	}
	sources, err := h.sources.ListAgentDataSources(c.Request.Context(), who.OrgID, c.Param("agentId"))
	if err != nil {
		writeError(c, h.logger, err, "list agent data sources failed")
		return
	}
	response.OK(c, sources)
}

func (h *AgentHandler) Attach(c *gin.Context) {
	who, ok := getCaller(c)
	if !ok {
		return
	}
	agentID, dataSourceID := c.Param("agentId"), c.Param("id")
	if err := h.sources.AttachToAgent(c.Request.Context(), who.OrgID, agentID, dataSourceID); err != nil {
		writeError(c, h.logger, err, "attach data source failed")
		return
	}
	response.OK(c, gin.H{"agent_id": agentID, "data_source_id": dataSourceID})
}

func (h *AgentHandler) Detach(c *gin.Context) {
	who, ok := getCaller(c)
	if !ok {
		return
	}
	agentID, dataSourceID := c.Param("agentId"), c.Param("id")
	if err := h.sources.DetachFromAgent(c.Request.Context(), who.OrgID, agentID, dataSourceID); err != nil {
		writeError(c, h.logger, err, "detach data source failed")
		return
	}
	response.OK(c, gin.H{"agent_id": agentID, "data_source_id": dataSourceID})
}

// AssembleContext returns the retrieval context for one agent turn.
func (h *AgentHandler) AssembleContext(c *gin.Context) {
	who, ok := getCaller(c)
	if !ok {
		return
	}
	var req AssembleContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	result, err := h.context.Assemble(c.Request.Context(), app.AssembleContextInput{
		OrgID:   who.OrgID,
		AgentID: c.Param("agentId"),
		Prompt:  req.Prompt,
		History: req.History,
		Budget:  req.Budget,
	})
	if err != nil {
		writeError(c, h.logger, err, "assemble context failed")
		return
	}
	response.OK(c, result)
}
