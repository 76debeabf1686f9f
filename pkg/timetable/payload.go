// Package timetable defines the structured payload shared between the sync
// client and the server boundary. Both sides normalize through the same code
// so a payload accepted locally is a payload the server will accept.
package timetable

import (
	"fmt"
	"strings"
)

// Segment is one entry of a presentation timetable.
type Segment struct {
	Name        string `json:"name"`
	DurationSec int    `json:"durationSec"`
	Kind        string `json:"kind,omitempty"`
}

const (
	MaxSegments    = 500
	MaxNameLength  = 300
	MaxSegmentSecs = 24 * 60 * 60
)

// Normalize validates and canonicalizes a payload in place. Malformed
// entries are an error, not a silent drop: the server's row invariants
// depend on well-typed segments, so bad input stops at the boundary.
func Normalize(segments []Segment) ([]Segment, error) {
	if len(segments) > MaxSegments {
		return nil, fmt.Errorf("too many segments: %d > %d", len(segments), MaxSegments)
	}
	out := make([]Segment, 0, len(segments))
	for i, seg := range segments {
		name := strings.TrimSpace(seg.Name)
		if name == "" {
			return nil, fmt.Errorf("segment[%d]: name is empty", i)
		}
		if len(name) > MaxNameLength {
			name = name[:MaxNameLength]
		}
		if seg.DurationSec < 0 {
			return nil, fmt.Errorf("segment[%d]: negative duration %d", i, seg.DurationSec)
		}
		if seg.DurationSec > MaxSegmentSecs {
			return nil, fmt.Errorf("segment[%d]: duration %ds exceeds one day", i, seg.DurationSec)
		}
		out = append(out, Segment{
			Name:        name,
			DurationSec: seg.DurationSec,
			Kind:        strings.TrimSpace(seg.Kind),
		})
	}
	return out, nil
}

// TotalDuration sums segment durations in seconds.
func TotalDuration(segments []Segment) int {
	total := 0
	for _, seg := range segments {
		total += seg.DurationSec
	}
	return total
}
