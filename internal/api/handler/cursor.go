package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// JobCursor marks the last job of a page in (created_at, job_id) order
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// After reports whether a job sorts strictly after the cursor
func (c *JobCursor) After(createdAt time.Time, jobID string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return jobID > c.JobID
	}
	return createdAt.After(c.CreatedAt)
}

func DecodeJobCursor(cursorStr string) (*JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.SplitN(string(decoded), "|", 2)
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &JobCursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		JobID:     decodedParts[1],
	}, nil
}

func EncodeJobCursor(cursor *JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.JobID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
