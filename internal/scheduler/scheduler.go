// Package scheduler runs the core's periodic duties — store backups,
// node health sweeps, and metacognitive polling — on robfig/cron/v3
// schedules, logging and recovering from each job independently.
package scheduler

import (
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job is one periodic duty. Name is used only for logging.
type Job struct {
	Name string
	Expr string
	Run  func()
}

// Scheduler wraps a cron.Cron with per-job panic recovery and logging.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	logger  *slog.Logger
	entries []cron.EntryID
}

// New builds a Scheduler using a seconds-optional parser consistent with
// standard crontab expressions (5 fields) plus an optional leading seconds
// field for sub-minute jobs like health sweeps.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{cron: c, logger: logger.With("component", "scheduler")}
}

// Add schedules a job. It returns an error if the expression doesn't parse.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name
	run := job.Run
	wrapped := func() {
		s.logger.Debug("job starting", "job", name)
		run()
		s.logger.Debug("job finished", "job", name)
	}

	id, err := s.cron.AddFunc(job.Expr, wrapped)
	if err != nil {
		return err
	}
	s.entries = append(s.entries, id)
	s.logger.Info("job scheduled", "job", job.Name, "expr", job.Expr)
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
