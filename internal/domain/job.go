package domain

import "time"

// JobStatus represents the overall state of an audit job.
type JobStatus string

const (
	StatusPending  JobStatus = "pending"
	StatusStarted  JobStatus = "started"
	StatusFinished JobStatus = "finished"
	StatusError    JobStatus = "error"
)

// HintStatus represents the outcome of one hint within a job.
type HintStatus string

const (
	HintPending HintStatus = "pending"
	HintPass    HintStatus = "pass"
	HintWarning HintStatus = "warning"
	HintError   HintStatus = "error"
)

// Error record kinds.
const (
	KindQueueDelivery  = "queue-delivery"
	KindExecutionCrash = "execution-crash"
)

// Location points into a resource.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Finding is one problem reported by the audit engine.
type Finding struct {
	HintID   string    `json:"hintId"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	Resource string    `json:"resource,omitempty"`
	Location *Location `json:"location,omitempty"`
}

// Hint is one named audit check and its result within a job.
type Hint struct {
	Name     string     `json:"name"`
	Category string     `json:"category"`
	Status   HintStatus `json:"status"`
	Messages []Finding  `json:"messages"`
}

// ErrorRecord is a structured failure attached to a job.
type ErrorRecord struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	At      time.Time `json:"at"`
}

// Job is the aggregate record of one audit request for one URL.
type Job struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	Status       JobStatus     `json:"status"`
	Config       []Config      `json:"config"`
	Hints        []Hint        `json:"hints"`
	Queued       *time.Time    `json:"queued,omitempty"`
	Started      *time.Time    `json:"started,omitempty"`
	Finished     *time.Time    `json:"finished,omitempty"`
	Errors       []ErrorRecord `json:"error,omitempty"`
	MaxRunTime   int           `json:"maxRunTime"`
	Investigated bool          `json:"investigated"`
	ToolVersion  string        `json:"toolVersion,omitempty"`
	Log          string        `json:"log,omitempty"`
}

// PartInfo identifies one part of a split job. Part counts from 1.
type PartInfo struct {
	Part       int `json:"part"`
	TotalParts int `json:"totalParts"`
}

// JobPart is the payload of both work and result messages: a copy of
// the job restricted to one configuration entry.
type JobPart struct {
	Job
	PartInfo *PartInfo `json:"partInfo,omitempty"`
}

// Hint returns the hint with the given name, or nil.
func (j *Job) Hint(name string) *Hint {
	for i := range j.Hints {
		if j.Hints[i].Name == name {
			return &j.Hints[i]
		}
	}
	return nil
}

// HintsResolved reports whether no hint is pending any more.
func (j *Job) HintsResolved() bool {
	for _, h := range j.Hints {
		if h.Status == HintPending {
			return false
		}
	}
	return true
}

// HasErrors reports whether any failure was recorded for the job.
func (j *Job) HasErrors() bool {
	return len(j.Errors) > 0
}

// AddError appends a failure record.
func (j *Job) AddError(kind, message string, at time.Time) {
	j.Errors = append(j.Errors, ErrorRecord{Kind: kind, Message: message, At: at})
}

// AppendLog adds text to the job's running log.
func (j *Job) AppendLog(text string) {
	if text == "" {
		return
	}
	if j.Log != "" && j.Log[len(j.Log)-1] != '\n' {
		j.Log += "\n"
	}
	j.Log += text
}

// Clone returns a copy that shares no slices with j.
func (j *Job) Clone() *Job {
	c := *j
	c.Config = append([]Config(nil), j.Config...)
	c.Hints = make([]Hint, len(j.Hints))
	for i, h := range j.Hints {
		h.Messages = append([]Finding(nil), h.Messages...)
		c.Hints[i] = h
	}
	c.Errors = append([]ErrorRecord(nil), j.Errors...)
	c.Queued = copyTime(j.Queued)
	c.Started = copyTime(j.Started)
	c.Finished = copyTime(j.Finished)
	return &c
}

// Split returns one part per configuration entry. Each part is a full
// copy of the job carrying exactly one entry.
func (j *Job) Split() []JobPart {
	n := len(j.Config)
	parts := make([]JobPart, 0, n)
	for i, cfg := range j.Config {
		c := j.Clone()
		c.Config = []Config{cfg}
		parts = append(parts, JobPart{
			Job:      *c,
			PartInfo: &PartInfo{Part: i + 1, TotalParts: n},
		})
	}
	return parts
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
