package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roadwatch/dispatch-server-go/internal/dispatch"
	"github.com/roadwatch/dispatch-server-go/internal/model"
)

const TaskRescan = "hazard_rescan"

type ActiveHazardSource interface {
	FindActive(ctx context.Context) ([]model.HazardEvent, error)
}

type ProximityDispatcher interface {
	DispatchByProximity(ctx context.Context, ev dispatch.Event) (*dispatch.Result, error)
}

// RescanJob re-runs proximity dispatch for every active hazard so users who
// moved into range since the hazard was created are reached.
type RescanJob struct {
	hazards    ActiveHazardSource
	dispatcher ProximityDispatcher
	now        func() time.Time
}

func NewRescanJob(hazards ActiveHazardSource, dispatcher ProximityDispatcher) *RescanJob {
	return &RescanJob{hazards: hazards, dispatcher: dispatcher, now: time.Now}
}

// Run processes every active hazard. A failure on one hazard is logged and
// the rest are still processed; the joined failures are returned.
func (j *RescanJob) Run(ctx context.Context) error {
	hazards, err := j.hazards.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active hazards: %w", err)
	}

	var errs []error
	dispatched := 0
	for i := range hazards {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		h := &hazards[i]
		if !h.IsActive(j.now()) {
			continue
		}
		if err := j.rescanHazard(ctx, h); err != nil {
			log.Warn().Err(err).Int64("hazardId", h.ID).Msg("hazard rescan failed")
			errs = append(errs, fmt.Errorf("hazard %d: %w", h.ID, err))
			continue
		}
		dispatched++
	}

	log.Info().
		Int("hazards", len(hazards)).
		Int("dispatched", dispatched).
		Int("failed", len(errs)).
		Msg("hazard rescan completed")

	return errors.Join(errs...)
}

func (j *RescanJob) rescanHazard(ctx context.Context, h *model.HazardEvent) error {
	content, err := h.Content()
	if err != nil {
		return err
	}
	_, err = j.dispatcher.DispatchByProximity(ctx, dispatch.Event{
		Origin:   h.Origin(),
		RadiusKm: h.RadiusKm,
		Content:  content,
		DedupKey: h.DedupKey(),
	})
	return err
}

func (j *RescanJob) Task(interval, timeout time.Duration) Task {
	return Task{
		Name:     TaskRescan,
		Interval: interval,
		Timeout:  timeout,
		Run:      j.Run,
	}
}
