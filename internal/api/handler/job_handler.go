package handler

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/cuongbtq/grievance-pipeline/internal/api/dto"
	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/internal/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateJob handles POST /api/v1/jobs
// Submits a background job and starts tracking its session
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	class, err := domain.ParseQueueClass(strings.TrimSpace(req.QueueClass))
	if err != nil {
		h.writeError(c, "create_job", err)
		return
	}

	job, err := h.pipeline.Submit(c.Request.Context(), pipeline.SubmitRequest{
		QueueClass:     class,
		JobType:        req.JobType,
		CorrelationKey: req.CorrelationKey,
		Payload:        req.Payload,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		h.writeError(c, "create_job", err)
		return
	}

	h.pipeline.Track(job.CorrelationKey)

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID:          job.JobID,
		CorrelationKey: job.CorrelationKey,
		Status:         string(job.Status),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.pipeline.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "get_job", err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListSessionJobs handles GET /api/v1/sessions/:key/jobs
// Lists a session's jobs oldest first with cursor pagination
func (h *JobHandler) ListSessionJobs(c *gin.Context) {
	key := c.Param("key")

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.pipeline.Jobs(c.Request.Context(), key)
	if err != nil {
		h.writeError(c, "list_jobs", err)
		return
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].JobID < jobs[j].JobID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	page := make([]dto.JobDTO, 0, req.PageSize)
	var last *domain.Job
	hasMore := false
	for _, job := range jobs {
		if !cursor.After(job.CreatedAt, job.JobID) {
			continue
		}
		if len(page) == req.PageSize {
			hasMore = true
			break
		}
		page = append(page, toJobDTO(job))
		last = job
	}

	var nextCursor string
	if hasMore && last != nil {
		nextCursor = EncodeJobCursor(&JobCursor{CreatedAt: last.CreatedAt, JobID: last.JobID})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       page,
		NextCursor: nextCursor,
	})
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	msg := job.StatusMessage()
	out := dto.JobDTO{
		JobID:          job.JobID,
		CorrelationKey: job.CorrelationKey,
		JobType:        job.JobType,
		QueueClass:     string(job.QueueClass),
		Status:         string(job.Status),
		Result:         msg.Result,
		Error:          msg.Error,
		AttemptCount:   job.AttemptCount,
		MaxAttempts:    job.MaxAttempts,
		CreatedAt:      dto.FormatTime(job.CreatedAt),
		UpdatedAt:      dto.FormatTime(job.UpdatedAt),
	}
	if job.CompletedAt != nil {
		completed := dto.FormatTime(*job.CompletedAt)
		out.CompletedAt = &completed
	}
	return out
}
