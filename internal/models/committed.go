package models

import "time"

const EventCommitted = "committed"

// CommittedEvent tells observers of a resource to re-fetch it. Only ResourceID
// is meaningful to receivers; the rest is informational.
type CommittedEvent struct {
	ResourceID  ResourceID `json:"resource_id"`
	CommittedBy string     `json:"committed_by,omitempty"`
	CommittedAt time.Time  `json:"committed_at"`
}
