package dto

import (
	"time"

	"timetable-sync/pkg/timetable"
)

type SaveResourceRequest struct {
	CanonicalKey  string              `json:"canonicalKey"`
	Title         string              `json:"title"`
	Payload       []timetable.Segment `json:"payload"`
	StartTime     *time.Time          `json:"startTime,omitempty"`
	TotalDuration int                 `json:"totalDuration"`
}

type ResourceResponse struct {
	ID            string              `json:"id"`
	CanonicalKey  string              `json:"canonicalKey"`
	Title         string              `json:"title"`
	Payload       []timetable.Segment `json:"payload"`
	StartTime     *time.Time          `json:"startTime,omitempty"`
	TotalDuration int                 `json:"totalDuration"`
	LastModified  time.Time           `json:"lastModified"`
}
