package handler

import (
	"net/http"
	"sort"
	"strings"

	"github.com/cuongbtq/grievance-pipeline/internal/api/dto"
	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/gin-gonic/gin"
)

// submissionMessage is the text the conversation shows for a job type's state
func submissionMessage(jobType string, s *domain.Submission) string {
	switch s.State {
	case domain.SubmissionPending:
		return "Still processing your " + jobType + ", you can keep going."
	case domain.SubmissionSucceeded:
		if len(s.SkippedFields) > 0 && len(s.MergedFields) == 0 {
			return "Kept your edits to " + strings.Join(s.SkippedFields, ", ") + "."
		}
		if len(s.SkippedFields) > 0 {
			return "Filled in " + strings.Join(s.MergedFields, ", ") + "; kept your edits to " + strings.Join(s.SkippedFields, ", ") + "."
		}
		return "Filled in the details from your " + jobType + "."
	case domain.SubmissionFailedSkipped:
		return "We could not process your " + jobType + ". Please enter the details manually."
	default:
		return ""
	}
}

// GetSession handles GET /api/v1/sessions/:key
func (h *JobHandler) GetSession(c *gin.Context) {
	key := c.Param("key")

	corr, err := h.pipeline.Session(c.Request.Context(), key)
	if err != nil {
		h.writeError(c, "get_session", err)
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(corr))
}

// GetLatest handles GET /api/v1/sessions/:key/latest?job_type=
func (h *JobHandler) GetLatest(c *gin.Context) {
	key := c.Param("key")
	jobType := c.Query("job_type")
	if jobType == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_type is required",
		})
		return
	}

	jobID, err := h.pipeline.GetLatest(c.Request.Context(), key, jobType)
	if err != nil {
		h.writeError(c, "get_latest", err)
		return
	}

	c.JSON(http.StatusOK, dto.LatestResponse{
		CorrelationKey: key,
		JobType:        jobType,
		JobID:          jobID,
	})
}

// EditField handles PUT /api/v1/sessions/:key/fields/:field
func (h *JobHandler) EditField(c *gin.Context) {
	var req dto.EditFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	corr, err := h.pipeline.EditField(c.Request.Context(), c.Param("key"), c.Param("field"), req.Value)
	if err != nil {
		h.writeError(c, "edit_field", err)
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(corr))
}

// PollSession handles POST /api/v1/sessions/:key/poll
// Runs one fallback poll cycle for clients without a push connection
func (h *JobHandler) PollSession(c *gin.Context) {
	cycle, err := h.pipeline.Poll(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.writeError(c, "poll_session", err)
		return
	}

	resp := dto.PollResponse{
		Applied:   make([]dto.PollOutcomeDTO, 0, len(cycle.Applied)),
		Remaining: cycle.Remaining,
	}
	for _, r := range cycle.Applied {
		resp.Applied = append(resp.Applied, dto.PollOutcomeDTO{
			JobID:         r.JobID,
			JobType:       r.JobType,
			Outcome:       string(r.Outcome),
			MergedFields:  r.MergedFields,
			SkippedFields: r.SkippedFields,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func toSessionResponse(corr *domain.Correlation) dto.SessionResponse {
	resp := dto.SessionResponse{
		CorrelationKey: corr.CorrelationKey,
		MergeVersion:   corr.MergeVersion,
		Fields:         make(map[string]dto.FieldDTO, len(corr.Fields)),
		Submissions:    make(map[string]dto.SubmissionDTO, len(corr.Submissions)),
		Pending:        corr.PendingIDs(),
	}
	for name, f := range corr.Fields {
		resp.Fields[name] = dto.FieldDTO{
			Value:     f.Value,
			Source:    string(f.Source),
			Version:   f.Version,
			JobID:     f.JobID,
			UpdatedAt: dto.FormatTime(f.UpdatedAt),
		}
	}

	jobTypes := make([]string, 0, len(corr.Submissions))
	for jobType := range corr.Submissions {
		jobTypes = append(jobTypes, jobType)
	}
	sort.Strings(jobTypes)
	for _, jobType := range jobTypes {
		s := corr.Submissions[jobType]
		resp.Submissions[jobType] = dto.SubmissionDTO{
			JobID:         s.JobID,
			State:         string(s.State),
			Message:       submissionMessage(jobType, s),
			SubmittedAt:   dto.FormatTime(s.SubmittedAt),
			MergedFields:  s.MergedFields,
			SkippedFields: s.SkippedFields,
		}
	}
	return resp
}
