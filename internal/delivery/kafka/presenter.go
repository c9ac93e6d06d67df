package kafka

import "time"

// Events published BY the holder side

type ActCommittedEvent struct {
	ActID       string    `json:"act_id"`
	CommittedBy string    `json:"committed_by"`
	CommittedAt time.Time `json:"committed_at"`
	Timestamp   time.Time `json:"timestamp"`
}
