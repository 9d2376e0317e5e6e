package model

import (
	"time"

	"github.com/seantiz/quire/internal/task"
)

// Status is the lifecycle state of a job.
type Status string

// Job status constants.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Mode selects where a job's steps execute.
type Mode string

// Execution mode constants.
const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// statusRank orders statuses along the lifecycle. Both terminal statuses
// share the highest rank.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusCompleted:  2,
	StatusFailed:     2,
}

// ValidTransition reports whether a job may move from one status to another.
// Any forward move is allowed, including one that skips processing. Terminal
// statuses have no successors.
func ValidTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	rf, ok := statusRank[from]
	if !ok {
		return false
	}
	rt, ok := statusRank[to]
	if !ok {
		return false
	}
	return rt > rf
}

// Job is a user-visible unit of orchestration work.
type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Kind       task.Kind `json:"kind"`
	Mode       Mode      `json:"mode"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"`
	Error      string    `json:"error,omitempty"`
	ResultRef  string    `json:"result_ref,omitempty"`
	ResultSize int64     `json:"result_size,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobPatch carries absolute new values for the fields it sets. A nil field
// leaves the job's value untouched.
type JobPatch struct {
	Status     *Status   `json:"status,omitempty"`
	Progress   *int      `json:"progress,omitempty"`
	Error      *string   `json:"error,omitempty"`
	ResultRef  *string   `json:"result_ref,omitempty"`
	ResultSize *int64    `json:"result_size,omitempty"`
	At         time.Time `json:"at"`
}

// Patch starts a patch stamped with the current time.
func Patch() JobPatch {
	return JobPatch{At: time.Now().UTC()}
}

// WithStatus sets the target status.
func (p JobPatch) WithStatus(s Status) JobPatch {
	p.Status = &s
	return p
}

// WithProgress sets the progress percentage.
func (p JobPatch) WithProgress(n int) JobPatch {
	p.Progress = &n
	return p
}

// WithError sets the error or status text.
func (p JobPatch) WithError(msg string) JobPatch {
	p.Error = &msg
	return p
}

// WithResult sets the result reference and its size.
func (p JobPatch) WithResult(ref string, size int64) JobPatch {
	p.ResultRef = &ref
	p.ResultSize = &size
	return p
}

// Apply returns j with p applied. It is the only place job fields change and
// it is idempotent: applying the same patch twice yields the same job.
//
// A terminal job is frozen. Backward status changes are dropped while the
// patch's other fields still apply. Progress never decreases.
func (j Job) Apply(p JobPatch) Job {
	if j.Status.Terminal() {
		return j
	}

	if p.Status != nil && *p.Status != j.Status && ValidTransition(j.Status, *p.Status) {
		j.Status = *p.Status
	}
	if p.Progress != nil {
		n := min(max(*p.Progress, 0), 100)
		if n > j.Progress {
			j.Progress = n
		}
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	if p.ResultRef != nil {
		j.ResultRef = *p.ResultRef
	}
	if p.ResultSize != nil {
		j.ResultSize = *p.ResultSize
	}
	if p.At.After(j.UpdatedAt) {
		j.UpdatedAt = p.At
	}
	return j
}

// Merge folds another copy of the same job into j using the reducer, so an
// ADD for an id that is already known never moves the job backwards.
func (j Job) Merge(other Job) Job {
	if other.Status != j.Status && !ValidTransition(j.Status, other.Status) {
		return j
	}
	if other.Status == j.Status && other.UpdatedAt.Before(j.UpdatedAt) {
		return j
	}

	p := JobPatch{
		Status:   &other.Status,
		Progress: &other.Progress,
		At:       other.UpdatedAt,
	}
	if other.Error != "" {
		p.Error = &other.Error
	}
	if other.ResultRef != "" {
		p.ResultRef = &other.ResultRef
		p.ResultSize = &other.ResultSize
	}
	return j.Apply(p)
}

// HistoryItem is the immutable record of a successfully completed job's output.
type HistoryItem struct {
	ID        string    `json:"id"`
	FileName  string    `json:"file_name"`
	Kind      task.Kind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	Result    []byte    `json:"-"`
}
