package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const TaskRetention = "retention_sweep"

type NotificationPruner interface {
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob deletes notifications older than the retention window,
// read or unread.
type RetentionJob struct {
	store  NotificationPruner
	window time.Duration
	now    func() time.Time
}

func NewRetentionJob(store NotificationPruner, window time.Duration) *RetentionJob {
	return &RetentionJob{store: store, window: window, now: time.Now}
}

// Cutoff is the creation time before which records are expired.
func (j *RetentionJob) Cutoff() time.Time {
	return j.now().Add(-j.window)
}

func (j *RetentionJob) Run(ctx context.Context) error {
	cutoff := j.Cutoff()
	count, err := j.store.DeleteCreatedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete expired notifications: %w", err)
	}
	if count > 0 {
		log.Info().Int64("count", count).Time("cutoff", cutoff).Msg("deleted expired notifications")
	}
	return nil
}

func (j *RetentionJob) Task(interval, timeout time.Duration) Task {
	return Task{
		Name:       TaskRetention,
		Interval:   interval,
		Timeout:    timeout,
		RunOnStart: true,
		Run:        j.Run,
	}
}
