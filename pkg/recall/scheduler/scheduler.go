// Package scheduler runs scheduled assistant tasks. Cron expressions are
// handled by robfig/cron; jobs survive restarts through SQLite-backed
// persistence in the central database.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job represents a scheduled assistant task.
type Job struct {
	// ID is the unique job identifier.
	ID string `json:"id"`

	// Schedule is the cron expression, shorthand (@daily, @every 1h), a
	// one-shot time for "at" jobs, or an interval for "every" jobs.
	Schedule string `json:"schedule"`

	// Type is the schedule type: "cron" (recurring), "at" (one-shot),
	// "every" (interval).
	Type string `json:"type"`

	// Task is the natural-language instruction run by the assistant.
	Task string `json:"task"`

	// Channel is the target platform for the result ("whatsapp", "telegram").
	Channel string `json:"channel"`

	// ChatID is the chat the result is sent to.
	ChatID string `json:"chat_id"`

	// Enabled indicates whether the job is active.
	Enabled bool `json:"enabled"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`

	// LastRunAt is the last execution timestamp.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// LastError contains the error from the last run, if any.
	LastError string `json:"last_error,omitempty"`

	// RunCount tracks how many times the job has executed.
	RunCount int `json:"run_count"`
}

// JobHandler runs a job's task and returns the assistant's output.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// DeliverHandler sends a completed job's output to the target chat.
type DeliverHandler func(channel, chatID, message string) error

// JobStorage defines the persistence interface for jobs.
type JobStorage interface {
	Save(job *Job) error
	Delete(id string) error
	LoadAll() ([]*Job, error)
}

// Scheduler manages scheduled tasks using cron expressions.
type Scheduler struct {
	jobs map[string]*Job

	cron *cron.Cron

	// cronIDs maps job IDs to their cron entry IDs for removal.
	cronIDs map[string]cron.EntryID

	// runningJobs tracks jobs currently executing so a cron fire during a
	// still-active run is skipped.
	runningJobs map[string]bool

	storage JobStorage
	handler JobHandler
	deliver DeliverHandler

	// jobTimeout bounds a single job execution. Defaults to 5 minutes.
	jobTimeout time.Duration

	logger *slog.Logger
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler with the given storage and handler.
func New(storage JobStorage, handler JobHandler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:        make(map[string]*Job),
		cronIDs:     make(map[string]cron.EntryID),
		runningJobs: make(map[string]bool),
		storage:     storage,
		handler:     handler,
		jobTimeout:  5 * time.Minute,
		logger:      logger.With("component", "scheduler"),
	}
}

// SetDeliverHandler registers the callback that sends job output to chats.
func (s *Scheduler) SetDeliverHandler(h DeliverHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = h
}

// Add registers a new job.
func (s *Scheduler) Add(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already exists", job.ID)
	}
	if job.Schedule == "" {
		return fmt.Errorf("job schedule is required")
	}

	job.CreatedAt = time.Now()
	if job.Type == "" {
		job.Type = "cron"
	}

	if s.cron != nil && job.Enabled {
		if err := s.scheduleCronJob(job); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
		}
	}

	s.jobs[job.ID] = job

	if s.storage != nil {
		if err := s.storage.Save(job); err != nil {
			s.logger.Error("failed to persist job", "id", job.ID, "error", err)
		}
	}

	s.logger.Info("job added", "id", job.ID, "schedule", job.Schedule, "type", job.Type)
	return nil
}

// Remove deletes a job by ID.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; !exists {
		return fmt.Errorf("job %q not found", jobID)
	}

	if entryID, ok := s.cronIDs[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, jobID)
	}

	delete(s.jobs, jobID)

	if s.storage != nil {
		if err := s.storage.Delete(jobID); err != nil {
			s.logger.Error("failed to remove job from storage", "id", jobID, "error", err)
		}
	}

	s.logger.Info("job removed", "id", jobID)
	return nil
}

// List returns all registered jobs.
func (s *Scheduler) List() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		result = append(result, j)
	}
	return result
}

// Get returns a job by ID.
func (s *Scheduler) Get(jobID string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	return j, ok
}

// Start initializes the cron scheduler and loads persisted jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	if s.storage != nil {
		jobs, err := s.storage.LoadAll()
		if err != nil {
			s.logger.Error("failed to load jobs", "error", err)
		} else {
			s.mu.Lock()
			for _, job := range jobs {
				s.jobs[job.ID] = job
				if job.Enabled {
					if err := s.scheduleCronJob(job); err != nil {
						s.logger.Warn("skipping job with invalid schedule",
							"id", job.ID, "schedule", job.Schedule, "error", err)
					}
				}
			}
			s.mu.Unlock()
			s.logger.Info("jobs loaded from storage", "count", len(jobs))
		}
	}

	s.cron.Start()

	s.mu.RLock()
	jobCount := len(s.jobs)
	s.mu.RUnlock()

	s.logger.Info("scheduler started", "jobs", jobCount)
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// ---------- Internal ----------

// scheduleCronJob registers a job with the cron scheduler.
func (s *Scheduler) scheduleCronJob(job *Job) error {
	schedule := job.Schedule

	// One-shot jobs use a timer goroutine instead of a cron entry.
	if job.Type == "at" {
		go s.runOneShotJob(job, schedule)
		return nil
	}

	// Jobs loaded from storage skip Add's validation; an empty schedule
	// must error out of AddFunc instead of panicking here.
	if job.Type == "every" && schedule != "" && schedule[0] != '@' {
		schedule = "@every " + schedule
	}

	entryID, err := s.cron.AddFunc(schedule, func() {
		s.executeJob(job)
	})
	if err != nil {
		return err
	}

	s.cronIDs[job.ID] = entryID
	return nil
}

// runOneShotJob waits until the target time, executes the job once and
// removes it.
func (s *Scheduler) runOneShotJob(job *Job, timeStr string) {
	target, err := parseOneShotTime(timeStr)
	if err != nil {
		s.logger.Warn("invalid one-shot time", "id", job.ID, "time", timeStr, "error", err)
		return
	}

	delay := time.Until(target)
	if delay <= 0 {
		s.logger.Warn("one-shot time is in the past, executing immediately", "id", job.ID)
		if _, ok := s.Get(job.ID); ok {
			s.executeJob(job)
			s.Remove(job.ID)
		}
		return
	}

	s.logger.Info("one-shot job scheduled", "id", job.ID,
		"fires_at", target.Format(time.RFC3339), "fires_in", delay.String())

	select {
	case <-time.After(delay):
		// The job may have been removed while waiting.
		if _, ok := s.Get(job.ID); !ok {
			return
		}
		s.executeJob(job)
		s.Remove(job.ID)
	case <-s.ctx.Done():
		return
	}
}

// parseOneShotTime parses time formats for one-shot scheduling: relative
// duration ("5m", "1h30m"), Unix epoch, RFC3339, "2006-01-02 15:04", and
// "15:04" (today or tomorrow).
func parseOneShotTime(timeStr string) (time.Time, error) {
	now := time.Now()

	if d, err := time.ParseDuration(timeStr); err == nil && d > 0 {
		return now.Add(d), nil
	}

	if len(timeStr) >= 10 {
		allDigits := true
		for _, c := range timeStr {
			if c < '0' || c > '9' {
				allDigits = false
				break
			}
		}
		if allDigits {
			var epoch int64
			if _, err := fmt.Sscanf(timeStr, "%d", &epoch); err == nil {
				return time.Unix(epoch, 0), nil
			}
		}
	}

	if t, err := time.Parse(time.RFC3339, timeStr); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", timeStr); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04", timeStr); err == nil {
		return t, nil
	}
	if t, err := time.Parse("15:04", timeStr); err == nil {
		target := time.Date(now.Year(), now.Month(), now.Day(),
			t.Hour(), t.Minute(), 0, 0, now.Location())
		if target.Before(now) {
			target = target.Add(24 * time.Hour)
		}
		return target, nil
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", timeStr)
}

// minJobInterval is the minimum time between consecutive executions of the
// same job. Prevents rapid re-fires at second boundaries.
const minJobInterval = 2 * time.Second

// executeJob runs a job's task through the handler with safety guards:
// per-job run lock, spin-loop guard, panic recovery, and a timeout.
func (s *Scheduler) executeJob(job *Job) {
	s.mu.Lock()
	if s.runningJobs[job.ID] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "id", job.ID)
		return
	}
	if job.LastRunAt != nil && time.Since(*job.LastRunAt) < minJobInterval {
		s.mu.Unlock()
		s.logger.Debug("skipping job (ran too recently)", "id", job.ID)
		return
	}
	s.runningJobs[job.ID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.runningJobs, job.ID)
		s.mu.Unlock()

		// One bad job must not take the scheduler down.
		if r := recover(); r != nil {
			s.mu.Lock()
			job.LastError = fmt.Sprintf("panic: %v", r)
			_, stillExists := s.jobs[job.ID]
			s.mu.Unlock()
			s.logger.Error("scheduled job panicked", "id", job.ID, "panic", r)
			if s.storage != nil && stillExists {
				s.storage.Save(job)
			}
		}
	}()

	s.logger.Info("executing scheduled job", "id", job.ID, "task", job.Task)

	s.mu.Lock()
	now := time.Now()
	job.LastRunAt = &now
	job.RunCount++
	s.mu.Unlock()

	// Persist LastRunAt before running so a crash mid-execution does not
	// re-fire the job immediately on restart.
	if s.storage != nil {
		s.storage.Save(job)
	}

	if s.handler == nil {
		job.LastError = "no handler configured"
		return
	}

	timeout := s.jobTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	result, err := s.handler(ctx, job)

	s.mu.Lock()
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	_, stillExists := s.jobs[job.ID]
	deliver := s.deliver
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", "id", job.ID, "error", err)
	} else {
		s.logger.Info("scheduled job completed", "id", job.ID, "result_len", len(result))
	}

	// Send the result to the target chat.
	if deliver != nil && job.Channel != "" && job.ChatID != "" {
		msg := result
		if err != nil {
			msg = fmt.Sprintf("Scheduled task %q failed: %s", job.ID, err)
		}
		if msg != "" {
			if dErr := deliver(job.Channel, job.ChatID, msg); dErr != nil {
				s.logger.Error("failed to deliver job result",
					"id", job.ID, "channel", job.Channel, "error", dErr)
			}
		}
	}

	if s.storage != nil && stillExists {
		s.storage.Save(job)
	}
}
