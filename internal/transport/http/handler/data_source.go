package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"aiknowledge/internal/app"
	"aiknowledge/internal/model"
	"aiknowledge/internal/pkg/logger"
	"aiknowledge/internal/transport/http/response"
)

const (
	maxUploadSize  = 50 << 20 // 50 MB per request
	maxUploadFiles = 20
)

type DataSourceHandler struct {
	service *app.DataSourceService
	logger  *slog.Logger
}

type CreateDataSourceRequest struct {
	Name          string               `json:"name" binding:"required,max=256"`
	Type          model.DataSourceType `json:"type" binding:"required"`
	RefreshPeriod model.RefreshPeriod  `json:"refresh_period"`
	Config        json.RawMessage      `json:"config"`
}

func NewDataSourceHandler(service *app.DataSourceService, log *slog.Logger) *DataSourceHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &DataSourceHandler{service: service, logger: log.With("component", "http")}
}

func (h *DataSourceHandler) Create(c *gin.Context) {
	who, ok := getCaller(c)
	if !ok {
		return
	}
	var req CreateDataSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	ds, err := h.service.Create(c.Request.Context(), app.CreateDataSourceInput{
		OrgID:         who.OrgID,
		UserID:        who.UserID,
		Name:          req.Name,
		Type:          req.Type,
		RefreshPeriod: req.RefreshPeriod,
		Config:        req.Config,
	})
	if err != nil {
		writeError(c, h.logger, err, "create data source failed")
		return
	}
	response.Accepted(c, ds)
}

// Upload takes a multipart form with one or more "files" parts and creates a
// FILE_UPLOAD data source over them.
func (h *DataSourceHandler) Upload(c *gin.Context) {
	who, ok := getCaller(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	form, err := c.MultipartForm()
	if err != nil {
		response.Error(c, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge, "upload is too large or malformed")
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "files are required")
		return
	}
	if len(headers) > maxUploadFiles {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, fmt.Sprintf("at most %d files per upload", maxUploadFiles))
		return
	}

	files := make([]app.UploadFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			closeAll(files)
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "read uploaded file failed")
			return
		}
		files = append(files, app.UploadFile{
			FileName: fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Size:     fh.Size,
			Body:     f,
		})
	}
	defer closeAll(files)

	ds, err := h.service.Upload(c.Request.Context(), app.UploadInput{
		OrgID:         who.OrgID,
		UserID:        who.UserID,
		Name:          c.PostForm("name"),
		RefreshPeriod: model.RefreshPeriod(c.PostForm("refresh_period")),
		Files:         files,
	})
	if err != nil {
		writeError(c, h.logger, err, "upload failed")
		return
	}
	response.Accepted(c, ds)
}

func closeAll(files []app.UploadFile) {
	for _, f := range files {
		if closer, ok := f.Body.(multipart.File); ok {
			_ = closer.Close()
		}
	}
}

func (h *DataSourceHandler) List(c *gin.Context) {
	who, ok := getCaller(c)
	if !ok {
		return
	}
	sources, err := h.service.List(c.Request.Context(), who.OrgID)
	if err != nil {
		writeError(c, h.logger, err, "list data sources failed")
		return
	}
	response.OK(c, sources)
}

func (h *DataSourceHandler) Get(c *gin.Context) {
	who, ok := getCaller(c)
	if !ok {
		return
	}
	detail, err := h.service.Get(c.Request.Context(), who.OrgID, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err, "get data source failed")
		return
	}
	response.OK(c, detail)
}

func (h *DataSourceHandler) Refresh(c *gin.Context) {
	who, ok := getCaller(c)
	if !ok {
		return
	}
	if err := h.service.RequestRefresh(c.Request.Context(), who.OrgID, c.Param("id")); err != nil {
		writeError(c, h.logger, err, "refresh data source failed")
		return
	}
	response.Accepted(c, gin.H{"id": c.Param("id")})
}

func (h *DataSourceHandler) Delete(c *gin.Context) {
	who, ok := getCaller(c)
	if !ok {
		return
	}
	if err := h.service.RequestDelete(c.Request.Context(), who.OrgID, c.Param("id")); err != nil {
		writeError(c, h.logger, err, "delete data source failed")
		return
	}
	response.Accepted(c, gin.H{"id": c.Param("id")})
}

func (h *DataSourceHandler) RetryKnowledge(c *gin.Context) {
	who, ok := getCaller(c)
	if !ok {
		return
	}
	k, err := h.service.RetryKnowledge(c.Request.Context(), who.OrgID, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err, "retry knowledge failed")
		return
	}
	response.Accepted(c, k)
}
