package server

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/job"
	"github.com/runforge/runforge/internal/stream"
	"github.com/runforge/runforge/internal/toolchain"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// Handler contains the HTTP handlers for the job API.
type Handler struct {
	supervisor *job.Supervisor
	hub        *stream.Hub
	logger     *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(supervisor *job.Supervisor, hub *stream.Hub, log *logger.Logger) *Handler {
	return &Handler{
		supervisor: supervisor,
		hub:        hub,
		logger:     log.WithFields(zap.String("component", "api")),
	}
}

// StartJob launches a build-tool job. An active job is canceled first.
// POST /api/v1/jobs
func (h *Handler) StartJob(c *gin.Context) {
	var req v1.StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	info, err := h.supervisor.StartJob(c.Request.Context(), req.Command, req.Args)
	if err != nil {
		h.logger.Error("failed to start job",
			zap.String("command", req.Command), zap.Error(err))
		h.renderError(c, err, "failed to start job")
		return
	}

	c.JSON(http.StatusAccepted, jobResponse(info))
}

// CurrentJob returns the currently tracked job, if any.
// GET /api/v1/jobs/current
func (h *Handler) CurrentJob(c *gin.Context) {
	info, ok := h.supervisor.Current()
	if !ok {
		appErr := errors.NotFound("job", "current")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, jobResponse(info))
}

// GetJob returns a snapshot of the given job.
// GET /api/v1/jobs/:jobId
func (h *Handler) GetJob(c *gin.Context) {
	jobID := c.Param("jobId")

	info, err := h.supervisor.Info(jobID)
	if err != nil {
		h.renderError(c, err, "failed to get job")
		return
	}
	c.JSON(http.StatusOK, jobResponse(info))
}

// SendInput relays a line of input to a waiting job.
// POST /api/v1/jobs/:jobId/input
func (h *Handler) SendInput(c *gin.Context) {
	jobID := c.Param("jobId")

	var req v1.SendInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.supervisor.SendInput(jobID, req.Text); err != nil {
		// A rejected send is routine client error, not a server fault.
		if errors.IsInputRejected(err) {
			h.logger.Warn("input rejected",
				zap.String("job_id", jobID), zap.Error(err))
		} else {
			h.logger.Error("failed to send input",
				zap.String("job_id", jobID), zap.Error(err))
		}
		h.renderError(c, err, "failed to send input")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "job_id": jobID})
}

// CancelJob requests cancellation of a job. Repeated cancellation of
// the same job reports a conflict.
// POST /api/v1/jobs/:jobId/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	jobID := c.Param("jobId")

	if err := h.supervisor.Cancel(jobID); err != nil {
		h.renderError(c, err, "failed to cancel job")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"success": true, "job_id": jobID})
}

// GetOutput returns the buffered classified output of a job.
// GET /api/v1/jobs/:jobId/output
func (h *Handler) GetOutput(c *gin.Context) {
	jobID := c.Param("jobId")

	lines, err := h.supervisor.Output(jobID)
	if err != nil {
		h.renderError(c, err, "failed to get output")
		return
	}

	entries := make([]v1.OutputLineEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, v1.OutputLineEntry{
			Text:      line.Text,
			Tag:       string(line.Tag),
			Stream:    line.Stream,
			Timestamp: line.Timestamp,
		})
	}

	c.JSON(http.StatusOK, v1.OutputResponse{
		JobID: jobID,
		Lines: entries,
		Total: len(entries),
	})
}

// ListCommands returns the build-tool subcommands the server knows.
// GET /api/v1/commands
func (h *Handler) ListCommands(c *gin.Context) {
	c.JSON(http.StatusOK, v1.CommandsResponse{Commands: toolchain.Known()})
}

// ServeWS upgrades the connection to a WebSocket event stream.
// GET /ws
func (h *Handler) ServeWS(c *gin.Context) {
	if err := stream.ServeWS(h.hub, c.Writer, c.Request, h.logger); err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
	}
}

// Health reports service liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) renderError(c *gin.Context, err error, fallback string) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	wrapped := errors.Wrap(err, fallback)
	c.JSON(wrapped.HTTPStatus, wrapped)
}

func jobResponse(info job.Info) v1.JobResponse {
	return v1.JobResponse{
		ID:           info.ID,
		Command:      info.Command,
		Args:         info.Args,
		State:        string(info.State),
		ExitCode:     info.ExitCode,
		Reason:       info.Reason,
		StartedAt:    info.StartedAt,
		UpdatedAt:    info.UpdatedAt,
		WarningCount: info.WarningCount,
	}
}
