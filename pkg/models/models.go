// Package models defines the shared data model of the Sentinel execution
// pipeline: jobs as they travel through the broker, execution results as
// they come back from workers, and the HTTP API envelopes.
package models

import "time"

// Job state as reported by the dispatcher. Broker-internal "waiting" maps
// to StatusQueued on the API surface.
const (
	StatusQueued    = "queued"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Inner result status of a single execution.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// TestCase is one input/expected pair supplied with a submission.
type TestCase struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// Job is the unit of work placed on a language queue.
type Job struct {
	ID        string     `json:"id"`
	Language  string     `json:"language"`
	Code      string     `json:"code"`
	Input     string     `json:"input,omitempty"`
	TestCases []TestCase `json:"testCases,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// TestCaseResult is the outcome of running the program against one test case.
// ActualOutput is trimmed of leading and trailing whitespace; Passed compares
// it byte-for-byte against the trimmed Expected.
type TestCaseResult struct {
	Input         string `json:"input"`
	Expected      string `json:"expected"`
	ActualOutput  string `json:"actualOutput"`
	Passed        bool   `json:"passed"`
	Error         string `json:"error,omitempty"`
	ExecutionTime int64  `json:"executionTime"`
}

// ExecutionResult is what the executor hands back for a job. In test-case
// mode Output and Error are empty and TestCases carries the per-case
// outcomes, index-aligned with the request.
type ExecutionResult struct {
	Output        string           `json:"output"`
	Error         string           `json:"error"`
	ExecutionTime int64            `json:"executionTime"`
	Status        string           `json:"status"`
	TestCases     []TestCaseResult `json:"testCases,omitempty"`
}

// QueueSnapshot is a point-in-time view of one queue's counters.
type QueueSnapshot struct {
	Language  string `json:"language"`
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// TotalJobs is the sum of every counter in the snapshot.
func (s QueueSnapshot) TotalJobs() int64 {
	return s.Waiting + s.Active + s.Completed + s.Failed
}

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Code      string     `json:"code"`
	Language  string     `json:"language"`
	Input     string     `json:"input"`
	TestCases []TestCase `json:"testCases"`
}

// ExecuteResponse acknowledges a queued submission.
type ExecuteResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// JobStatusResponse is the body of GET /job/:id.
type JobStatusResponse struct {
	ID            string           `json:"id"`
	Status        string           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Progress      int              `json:"progress,omitempty"`
	Output        string           `json:"output,omitempty"`
	Error         string           `json:"error,omitempty"`
	ExecutionTime int64            `json:"executionTime,omitempty"`
	TestCases     []TestCaseResult `json:"testCases,omitempty"`
}

// ContainerLoad is the per-queue entry of GET /load.
type ContainerLoad struct {
	ContainerID string `json:"containerId"`
	Language    string `json:"language"`
	Waiting     int64  `json:"waiting"`
	Active      int64  `json:"active"`
	Completed   int64  `json:"completed"`
	Failed      int64  `json:"failed"`
	TotalJobs   int64  `json:"totalJobs"`
}

// LoadResponse is the body of GET /load.
type LoadResponse struct {
	Timestamp    time.Time       `json:"timestamp"`
	Containers   []ContainerLoad `json:"containers"`
	TotalWaiting int64           `json:"totalWaiting"`
	TotalActive  int64           `json:"totalActive"`
}

// LanguageInfo is the public listing entry of GET /languages.
type LanguageInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// LanguagesResponse is the body of GET /languages.
type LanguagesResponse struct {
	Languages []LanguageInfo `json:"languages"`
	Count     int            `json:"count"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Redis     string            `json:"redis"`
	Queues    map[string]string `json:"queues"`
}
