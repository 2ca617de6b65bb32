package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/roadwatch/dispatch-server-go/internal/metrics"
)

// Task is a unit of periodic work. Run receives a context bounded by Timeout.
type Task struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler runs registered tasks on fixed intervals. A failed or panicking
// run is logged and the next tick proceeds normally; overlapping runs of the
// same task are skipped.
type Scheduler struct {
	cron    *cron.Cron
	metrics *metrics.Collector

	mu      sync.Mutex
	tasks   []Task
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewScheduler(m *metrics.Collector) *Scheduler {
	logger := cron.PrintfLogger(&log.Logger)
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		metrics: m,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a task. It must be called before Start.
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" || task.Run == nil {
		return fmt.Errorf("task requires a name and a run function")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[task.Name]; exists {
		return fmt.Errorf("task %s already registered", task.Name)
	}

	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", task.Interval), func() {
		s.runTask(s.context(), task)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", task.Name, err)
	}
	s.entries[task.Name] = id
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, task := range s.tasks {
		if task.RunOnStart {
			s.wg.Add(1)
			go func(t Task) {
				defer s.wg.Done()
				s.runTask(s.ctx, t)
			}(task)
		}
		log.Info().Str("task", task.Name).Dur("interval", task.Interval).Msg("scheduled task registered")
	}

	s.cron.Start()
	log.Info().Int("tasks", len(s.tasks)).Msg("scheduler started")
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRuns reports the next scheduled time for each task.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		next[name] = s.cron.Entry(id).Next
	}
	return next
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) runTask(parent context.Context, task Task) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = task.Interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	err := task.Run(ctx)
	s.metrics.JobRun(task.Name, err)

	if err != nil {
		log.Error().Err(err).Str("task", task.Name).Dur("elapsed", time.Since(start)).Msg("scheduled task failed")
		return
	}
	log.Debug().Str("task", task.Name).Dur("elapsed", time.Since(start)).Msg("scheduled task completed")
}
