package domain

// JobStatus is the lifecycle state of a job record
type JobStatus string

// Job status constants
const (
	JobStatusPending      JobStatus = "PENDING"
	JobStatusRunning      JobStatus = "RUNNING"
	JobStatusSucceeded    JobStatus = "SUCCEEDED"
	JobStatusFailed       JobStatus = "FAILED"
	JobStatusDeadLettered JobStatus = "DEAD_LETTERED"
)

// IsTerminal reports whether no further transition is allowed from s
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusDeadLettered:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known status
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusDeadLettered:
		return true
	default:
		return false
	}
}

// CanTransitionTo encodes the monotonic job state machine.
// RUNNING -> PENDING is the retry edge; PENDING -> FAILED abandons a job
// that was never handed out.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusFailed
	case JobStatusRunning:
		switch next {
		case JobStatusSucceeded, JobStatusPending, JobStatusFailed, JobStatusDeadLettered:
			return true
		}
		return false
	default:
		return false
	}
}

// QueueClass names a queue with its own concurrency, timeout and retry policy
type QueueClass string

// Queue classes
const (
	QueueClassification QueueClass = "classification"
	QueueDefault        QueueClass = "default"
	QueueNotification   QueueClass = "notification"
)

// QueueClasses lists every known queue class in priority order
func QueueClasses() []QueueClass {
	return []QueueClass{QueueClassification, QueueDefault, QueueNotification}
}

// ParseQueueClass validates a queue class name
func ParseQueueClass(s string) (QueueClass, error) {
	switch c := QueueClass(s); c {
	case QueueClassification, QueueDefault, QueueNotification:
		return c, nil
	default:
		return "", &UnknownQueueClassError{Class: s}
	}
}

// DefaultMaxAttempts applies when neither the submission nor the queue sets one
const DefaultMaxAttempts = 3
