// Package jobs runs the collector's periodic maintenance work.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sitepulse/internal/config"
)

const (
	cleanupInterval       = 24 * time.Hour
	defaultGeoReloadEvery = time.Hour
)

// Job is one unit of periodic work.
type Job interface {
	Run(ctx context.Context) error
}

type scheduledJob struct {
	name     string
	job      Job
	interval time.Duration
}

// Scheduler is responsible for running background jobs
type Scheduler struct {
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	jobs      []scheduledJob
	isRunning bool
	wg        sync.WaitGroup

	// Mutex to prevent concurrent job executions
	processingMutex sync.Mutex
	isProcessing    bool
}

// NewScheduler builds the retention cleanup and GeoIP reload jobs.
func NewScheduler(pruner SamplePruner, geoDB ReloadableGeoDB, logger *slog.Logger, cfg *config.Config) *Scheduler {
	s := newScheduler(logger)

	s.Add("performance_cleanup", NewCleanupJob(pruner, logger, cfg.PerformanceRetentionDays), cleanupInterval)

	geoInterval := time.Duration(cfg.JobIntervalSeconds) * time.Second
	if geoInterval <= 0 {
		geoInterval = defaultGeoReloadEvery
	}
	if geoDB != nil && geoDB.Path() != "" {
		s.Add("geo_reload", NewGeoReloadJob(geoDB, logger), geoInterval)
	}

	return s
}

func newScheduler(logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job. Jobs added after Start are not scheduled.
func (s *Scheduler) Add(name string, job Job, interval time.Duration) {
	s.jobs = append(s.jobs, scheduledJob{name: name, job: job, interval: interval})
}

// executeJobSafely runs a job only if no other job is currently executing
func (s *Scheduler) executeJobSafely(jobName string, job Job) {
	s.processingMutex.Lock()
	if s.isProcessing {
		s.logger.Debug("Skipping job execution - previous job still running", slog.String("job", jobName))
		s.processingMutex.Unlock()
		return
	}
	s.isProcessing = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.isProcessing = false
		s.processingMutex.Unlock()
	}()

	if err := job.Run(s.ctx); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
}

// Start begins all background jobs.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Start() error {
	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}
	s.isRunning = true

	for _, sj := range s.jobs {
		s.logger.Info("Starting job", slog.String("job", sj.name), slog.Duration("interval", sj.interval))
		s.wg.Add(1)
		go s.loop(sj)
	}

	s.logger.Info("Background jobs started", slog.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Scheduler) loop(sj scheduledJob) {
	defer s.wg.Done()

	ticker := time.NewTicker(sj.interval)
	defer ticker.Stop()

	s.executeJobSafely(sj.name, sj.job)

	for {
		select {
		case <-ticker.C:
			s.executeJobSafely(sj.name, sj.job)
		case <-s.ctx.Done():
			s.logger.Info("Job stopped", slog.String("job", sj.name))
			return
		}
	}
}

// Stop halts all background jobs and waits for running ones to return.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping background jobs...")
	s.cancel()
	s.wg.Wait()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning
}
