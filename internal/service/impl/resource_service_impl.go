package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"timetable-sync/internal/canonical"
	"timetable-sync/internal/domain"
	"timetable-sync/internal/dto"
	"timetable-sync/internal/observability/metrics"
	"timetable-sync/internal/observability/middleware"
	"timetable-sync/internal/service"
	"timetable-sync/internal/store"
	"timetable-sync/pkg/timetable"

	"github.com/google/uuid"
)

var _ service.ResourceService = (*ResourceServiceImpl)(nil)

const defaultTitle = "Untitled presentation"

type ResourceServiceImpl struct {
	Store resourceData
	now   func() time.Time
}

func NewResourceServiceImpl(st *store.Store) *ResourceServiceImpl {
	return &ResourceServiceImpl{
		Store: gormResourceAdapter{store: st},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type resourceData interface {
	Resources() resourceStore
}

type resourceStore interface {
	Upsert(ctx context.Context, res *domain.Resource) (*domain.Resource, error)
	GetByKey(ctx context.Context, ownerUserID uuid.UUID, canonicalKey string) (*domain.Resource, error)
	GetByID(ctx context.Context, ownerUserID uuid.UUID, id uuid.UUID) (*domain.Resource, error)
	List(ctx context.Context, ownerUserID uuid.UUID) ([]*domain.Resource, error)
}

type gormResourceAdapter struct{ store *store.Store }

func (g gormResourceAdapter) Resources() resourceStore { return g.store.Resources() }

func (s *ResourceServiceImpl) Save(ctx context.Context, ownerUserID domain.UserID, req dto.SaveResourceRequest) (*dto.ResourceResponse, error) {
	result := "success"
	defer func() {
		metrics.ResourceWritesTotal.WithLabelValues(result).Inc()
	}()

	if ownerUserID == uuid.Nil {
		result = "failure"
		return nil, ErrInvalidUserID
	}
	key, err := canonical.Normalize(req.CanonicalKey)
	if err != nil {
		result = "failure"
		return nil, err
	}
	segments, err := timetable.Normalize(req.Payload)
	if err != nil {
		result = "failure"
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	payload, err := json.Marshal(segments)
	if err != nil {
		result = "failure"
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultTitle
	}
	total := req.TotalDuration
	if total <= 0 {
		total = timetable.TotalDuration(segments)
	}

	// The server stamps last_modified at the write path; a zero timestamp
	// would defeat every newer-wins comparison downstream.
	now := s.now()
	row, err := s.Store.Resources().Upsert(ctx, &domain.Resource{
		UserID:        ownerUserID,
		CanonicalKey:  key,
		Title:         title,
		Payload:       payload,
		StartTime:     req.StartTime,
		TotalDuration: total,
		LastModified:  now,
	})
	if err != nil {
		result = "failure"
		return nil, err
	}

	slog.Info("resource saved",
		"resource_id", row.ID,
		"user_id", ownerUserID,
		"request_id", middleware.RequestIDFromContext(ctx),
	)
	return toResourceResponse(row)
}

func (s *ResourceServiceImpl) GetByKey(ctx context.Context, ownerUserID domain.UserID, rawKey string) (*dto.ResourceResponse, error) {
	if ownerUserID == uuid.Nil {
		return nil, ErrInvalidUserID
	}
	key, err := canonical.Normalize(rawKey)
	if err != nil {
		return nil, err
	}
	row, err := s.Store.Resources().GetByKey(ctx, ownerUserID, key)
	if err != nil {
		return nil, translateStoreErr(err, domain.ErrResourceNotFound)
	}
	return toResourceResponse(row)
}

func (s *ResourceServiceImpl) GetByID(ctx context.Context, ownerUserID domain.UserID, id domain.ResourceID) (*dto.ResourceResponse, error) {
	if ownerUserID == uuid.Nil {
		return nil, ErrInvalidUserID
	}
	row, err := s.Store.Resources().GetByID(ctx, ownerUserID, id)
	if err != nil {
		return nil, translateStoreErr(err, domain.ErrResourceNotFound)
	}
	return toResourceResponse(row)
}

func (s *ResourceServiceImpl) List(ctx context.Context, ownerUserID domain.UserID) ([]*dto.ResourceResponse, error) {
	if ownerUserID == uuid.Nil {
		return nil, ErrInvalidUserID
	}
	rows, err := s.Store.Resources().List(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}
	out := make([]*dto.ResourceResponse, 0, len(rows))
	for _, row := range rows {
		resp, err := toResourceResponse(row)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

func toResourceResponse(row *domain.Resource) (*dto.ResourceResponse, error) {
	var segments []timetable.Segment
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &segments); err != nil {
			return nil, fmt.Errorf("decode stored payload: %w", err)
		}
	}
	return &dto.ResourceResponse{
		ID:            row.ID.String(),
		CanonicalKey:  row.CanonicalKey,
		Title:         row.Title,
		Payload:       segments,
		StartTime:     row.StartTime,
		TotalDuration: row.TotalDuration,
		LastModified:  row.LastModified,
	}, nil
}
