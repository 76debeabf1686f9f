package service

import (
	"context"

	"timetable-sync/internal/domain"
	"timetable-sync/internal/dto"
)

type ResourceService interface {
	// Save validates and normalizes the payload, canonicalizes the key,
	// stamps last_modified, and upserts the single (owner, key) row.
	// ownerUserID always comes from the verified credential, never the body.
	Save(ctx context.Context, ownerUserID domain.UserID, req dto.SaveResourceRequest) (*dto.ResourceResponse, error)
	GetByKey(ctx context.Context, ownerUserID domain.UserID, rawKey string) (*dto.ResourceResponse, error)
	GetByID(ctx context.Context, ownerUserID domain.UserID, id domain.ResourceID) (*dto.ResourceResponse, error)
	List(ctx context.Context, ownerUserID domain.UserID) ([]*dto.ResourceResponse, error)
}
