// Package jobs tracks the status of API-initiated trade captures. Records
// live in the coordination store under a retention TTL; a job that ages
// out simply reads as not found.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crossrate/tradecap/coordination"
)

// ErrNotFound is returned by Get for an unknown or expired job.
var ErrNotFound = errors.New("job not found")

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// terminal reports whether |s| admits no further updates.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Validate returns an error if |s| is not a recognised status.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return nil
	}
	return fmt.Errorf("unknown job status %q", s)
}

// Job is one tracked capture request.
type Job struct {
	JobID     string `json:"jobId"`
	TradeID   string `json:"tradeId"`
	SourceAPI string `json:"sourceApi,omitempty"`
	Status    Status `json:"status"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	// EstimatedCompletionTime projects when the job will finish, from its
	// elapsed wall time at the current progress. Nil until progress is
	// reported, and cleared on terminal states.
	EstimatedCompletionTime *time.Time `json:"estimatedCompletionTime,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

var updatesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tradecap_job_updates_total",
	Help: "Job status updates.",
}, []string{"status"})

// Config sets the retention window.
type Config struct {
	Retention time.Duration
}

// DefaultConfig mirrors the configuration defaults.
var DefaultConfig = Config{Retention: 24 * time.Hour}

// Service stores and updates Jobs.
type Service struct {
	coord *coordination.Store
	cfg   Config
	now   func() time.Time
}

// NewService returns a job Service over |coord|.
func NewService(coord *coordination.Store, cfg Config) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig.Retention
	}
	return &Service{coord: coord, cfg: cfg, now: time.Now}
}

func jobKey(jobID string) string { return "jobs/" + jobID }

// Create registers a PENDING job and returns its id. An empty |jobID|
// allocates a fresh UUID.
func (s *Service) Create(ctx context.Context, jobID, tradeID, sourceAPI string) (string, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	var now = s.now()
	var job = Job{
		JobID:     jobID,
		TradeID:   tradeID,
		SourceAPI: sourceAPI,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.put(ctx, &job); err != nil {
		return "", err
	}
	updatesCounter.WithLabelValues(string(StatusPending)).Inc()
	return jobID, nil
}

// Update moves the job to |status| with |progress| and an optional
// message. Terminal jobs refuse further updates.
func (s *Service) Update(ctx context.Context, jobID string, status Status, progress int, message string) (*Job, error) {
	return s.update(ctx, jobID, status, progress, message, "", "")
}

// Complete marks the job COMPLETED with a result reference.
func (s *Service) Complete(ctx context.Context, jobID, result string) (*Job, error) {
	return s.update(ctx, jobID, StatusCompleted, 100, "", result, "")
}

// Fail marks the job FAILED with an error description.
func (s *Service) Fail(ctx context.Context, jobID, errMsg string) (*Job, error) {
	return s.update(ctx, jobID, StatusFailed, 100, "", "", errMsg)
}

func (s *Service) update(ctx context.Context, jobID string, status Status, progress int, message, result, errMsg string) (*Job, error) {
	if err := status.Validate(); err != nil {
		return nil, err
	}
	if progress < 0 || progress > 100 {
		return nil, fmt.Errorf("progress %d is outside [0, 100]", progress)
	}

	var job, err = s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.terminal() {
		return nil, fmt.Errorf("job %q is already %s", jobID, job.Status)
	}

	job.Status = status
	job.Progress = progress
	job.UpdatedAt = s.now()
	if status.terminal() {
		job.EstimatedCompletionTime = nil
	} else if progress > 0 {
		var eta = job.CreatedAt.Add(
			time.Duration(float64(job.UpdatedAt.Sub(job.CreatedAt)) * 100 / float64(progress)))
		job.EstimatedCompletionTime = &eta
	}
	if message != "" {
		job.Message = message
	}
	if result != "" {
		job.Result = result
	}
	if errMsg != "" {
		job.Error = errMsg
	}
	if err = s.put(ctx, job); err != nil {
		return nil, err
	}
	updatesCounter.WithLabelValues(string(status)).Inc()
	return job, nil
}

// Get reads a job.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	var value, err = s.coord.Get(ctx, jobKey(jobID))
	if errors.Is(err, coordination.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, jobID)
	} else if err != nil {
		return nil, fmt.Errorf("reading job %q: %w", jobID, err)
	}

	var job Job
	if err = json.Unmarshal([]byte(value), &job); err != nil {
		return nil, fmt.Errorf("decoding job %q: %w", jobID, err)
	}
	return &job, nil
}

func (s *Service) put(ctx context.Context, job *Job) error {
	var value, err = json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %q: %w", job.JobID, err)
	}
	if err = s.coord.SetWithTTL(ctx, jobKey(job.JobID), string(value), s.cfg.Retention); err != nil {
		return fmt.Errorf("writing job %q: %w", job.JobID, err)
	}
	return nil
}
