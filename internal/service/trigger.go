package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roadwatch/dispatch-server-go/internal/bridge"
	"github.com/roadwatch/dispatch-server-go/internal/dispatch"
	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/geo"
	"github.com/roadwatch/dispatch-server-go/internal/model"
	"github.com/roadwatch/dispatch-server-go/internal/repository"
)

type Dispatcher interface {
	AffectedUsers(ev dispatch.Event) []int64
	DispatchByProximity(ctx context.Context, ev dispatch.Event) (*dispatch.Result, error)
	DispatchToUsers(ctx context.Context, userIDs []int64, content model.Content) (*dispatch.Result, error)
}

type SignPostedParams struct {
	SignID    int64
	SignType  string
	Latitude  float64
	Longitude float64
	Title     string
	Message   string
}

type ReportApprovedParams struct {
	ReportID  int64
	AuthorID  int64
	Category  string
	Latitude  *float64
	Longitude *float64
	Title     string
	Message   string
}

type ProximityParams struct {
	Latitude  float64
	Longitude float64
	RadiusKm  float64
	Title     string
	Message   string
	Type      model.NotificationType
	Data      json.RawMessage
}

type DirectParams struct {
	UserIDs []int64
	Title   string
	Message string
	Type    model.NotificationType
	Data    json.RawMessage
}

// TriggerService turns administrative events into dispatcher calls.
type TriggerService struct {
	dispatcher   Dispatcher
	hazards      repository.HazardRepository
	users        repository.UserRepository
	publisher    bridge.Publisher
	topic        string
	signRadius   float64
	reportRadius float64
	now          func() time.Time
}

func NewTriggerService(
	dispatcher Dispatcher,
	hazards repository.HazardRepository,
	users repository.UserRepository,
	publisher bridge.Publisher,
	topic string,
	signRadiusKm float64,
	reportRadiusKm float64,
) *TriggerService {
	return &TriggerService{
		dispatcher:   dispatcher,
		hazards:      hazards,
		users:        users,
		publisher:    publisher,
		topic:        topic,
		signRadius:   signRadiusKm,
		reportRadius: reportRadiusKm,
		now:          time.Now,
	}
}

// DispatchHazard notifies users currently inside an active hazard's radius.
func (s *TriggerService) DispatchHazard(ctx context.Context, hazardID int64) (*dispatch.Result, error) {
	hazard, err := s.hazards.FindByID(ctx, hazardID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if hazard == nil {
		return nil, apperrors.NotFound("Hazard")
	}
	if !hazard.IsActive(s.now()) {
		return nil, apperrors.New(apperrors.ErrCodeConflict, "Hazard is not active")
	}

	content, err := hazard.Content()
	if err != nil {
		return nil, err
	}

	return s.dispatcher.DispatchByProximity(ctx, dispatch.Event{
		Origin:   hazard.Origin(),
		RadiusKm: hazard.RadiusKm,
		Content:  content,
		DedupKey: hazard.DedupKey(),
	})
}

func (s *TriggerService) SignPosted(ctx context.Context, p SignPostedParams) (*dispatch.Result, error) {
	title := p.Title
	if title == "" {
		title = "New road sign posted"
	}
	content, err := model.NewContent(title, p.Message, model.SignPostedPayload{
		SignID:    p.SignID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		SignType:  p.SignType,
	})
	if err != nil {
		return nil, err
	}

	return s.dispatcher.DispatchByProximity(ctx, dispatch.Event{
		Origin:   geo.Point{Latitude: p.Latitude, Longitude: p.Longitude},
		RadiusKm: s.signRadius,
		Content:  content,
	})
}

// ReportApproved notifies every non-admin user except the author. With a
// positive report radius and known coordinates, recipients are further
// limited to users currently within that radius.
func (s *TriggerService) ReportApproved(ctx context.Context, p ReportApprovedParams) (*dispatch.Result, error) {
	if p.AuthorID <= 0 {
		return nil, apperrors.MissingRequired("author_id")
	}
	title := p.Title
	if title == "" {
		title = "Report approved"
	}
	content, err := model.NewContent(title, p.Message, model.ReportApprovedPayload{
		ReportID:  p.ReportID,
		Category:  p.Category,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
	})
	if err != nil {
		return nil, err
	}

	recipients, err := s.users.FindBroadcastRecipients(ctx, p.AuthorID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	if s.reportRadius > 0 && p.Latitude != nil && p.Longitude != nil {
		nearby := s.dispatcher.AffectedUsers(dispatch.Event{
			Origin:   geo.Point{Latitude: *p.Latitude, Longitude: *p.Longitude},
			RadiusKm: s.reportRadius,
		})
		recipients = intersect(recipients, nearby)
	}

	log.Info().
		Int64("reportId", p.ReportID).
		Int64("authorId", p.AuthorID).
		Int("recipients", len(recipients)).
		Msg("broadcasting report approval")

	return s.dispatcher.DispatchToUsers(ctx, recipients, content)
}

func (s *TriggerService) Proximity(ctx context.Context, p ProximityParams) (*dispatch.Result, error) {
	content, err := model.ParseContent(p.Title, p.Message, p.Type, p.Data)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.DispatchByProximity(ctx, dispatch.Event{
		Origin:   geo.Point{Latitude: p.Latitude, Longitude: p.Longitude},
		RadiusKm: p.RadiusKm,
		Content:  content,
	})
}

func (s *TriggerService) Direct(ctx context.Context, p DirectParams) (*dispatch.Result, error) {
	if len(p.UserIDs) == 0 {
		return nil, apperrors.MissingRequired("user_ids")
	}
	content, err := model.ParseContent(p.Title, p.Message, p.Type, p.Data)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.DispatchToUsers(ctx, p.UserIDs, content)
}

// Publish hands a notification to the ingestion bridge instead of delivering
// it inline.
func (s *TriggerService) Publish(ctx context.Context, msg bridge.Message) error {
	if _, err := msg.Validate(); err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
		return apperrors.External("bridge", fmt.Errorf("publish to %s: %w", s.topic, err))
	}
	return nil
}

func intersect(a, b []int64) []int64 {
	in := make(map[int64]bool, len(b))
	for _, id := range b {
		in[id] = true
	}
	out := make([]int64, 0, len(a))
	for _, id := range a {
		if in[id] {
			out = append(out, id)
		}
	}
	return out
}
