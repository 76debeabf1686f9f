package domain

import "time"

// Resource is a presentation timetable owned by exactly one user. The
// (user_id, canonical_key) pair is unique; upserts target that constraint.
// LastModified is the conflict-resolution axis and is always stamped by the
// side performing the write.
type Resource struct {
	ID            ResourceID `gorm:"type:uuid;primaryKey" db:"id" json:"id"`
	UserID        UserID     `gorm:"type:uuid;uniqueIndex:ux_resource_owner_key;not null" db:"user_id" json:"-"`
	CanonicalKey  string     `gorm:"type:text;uniqueIndex:ux_resource_owner_key;not null" db:"canonical_key" json:"canonicalKey"`
	Title         string     `gorm:"type:text;not null" db:"title" json:"title"`
	Payload       []byte     `gorm:"type:jsonb;not null" db:"payload" json:"payload"`
	StartTime     *time.Time `db:"start_time" json:"startTime,omitempty"`
	TotalDuration int        `gorm:"not null;default:0" db:"total_duration" json:"totalDuration"`
	LastModified  time.Time  `gorm:"not null" db:"last_modified" json:"lastModified"`
	CreatedAt     time.Time  `gorm:"not null" db:"created_at"`
}

func (Resource) TableName() string { return "resources" }
