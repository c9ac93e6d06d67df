package models

import (
	"strconv"
	"time"

	"github.com/vogiaan1904/actpresence/pkg/util"
)

// ResourceID names the record a presence channel protects, such as one repair act.
type ResourceID string

func ResourceIDFromInt(id int64) ResourceID {
	return ResourceID(strconv.FormatInt(id, 10))
}

func (r ResourceID) String() string {
	return string(r)
}

// Announcement is what a session tracks about itself on a resource channel.
// AcquiredAt is fixed when the session opens the resource and is resent
// unchanged on every re-track.
type Announcement struct {
	ParticipantKey string     `json:"participant_key"`
	ResourceID     ResourceID `json:"resource_id"`
	AcquiredAt     string     `json:"acquired_at"`
	InstanceID     string     `json:"instance_id,omitempty"`
}

func NewAnnouncement(participant string, resourceID ResourceID, acquiredAt time.Time, instanceID string) Announcement {
	return Announcement{
		ParticipantKey: participant,
		ResourceID:     resourceID,
		AcquiredAt:     util.TimeToISO8601Str(acquiredAt),
		InstanceID:     instanceID,
	}
}

func (a Announcement) AcquiredTime() (time.Time, error) {
	return util.ParseISO8601(a.AcquiredAt)
}

// PresenceState is the transport snapshot: every presence key with the
// announcements currently tracked under it. One key can carry several
// announcements when a participant has the resource open more than once.
type PresenceState map[string][]Announcement

// ParticipantSet is the arbitration input: one announcement per presence key.
type ParticipantSet map[string]Announcement

// ParticipantsFromState keeps the first announcement of every key. Entries
// pertaining to a different resource are skipped.
func ParticipantsFromState(state PresenceState, resourceID ResourceID) ParticipantSet {
	set := make(ParticipantSet, len(state))
	for key, anns := range state {
		for _, a := range anns {
			if a.ResourceID != resourceID {
				continue
			}
			set[key] = a
			break
		}
	}
	return set
}

func (s ParticipantSet) Clone() ParticipantSet {
	out := make(ParticipantSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
