package lock

import (
	"sort"
	"time"

	"github.com/vogiaan1904/actpresence/internal/models"
)

// DefaultMaxAge is how long a presence claim is trusted without a leave.
const DefaultMaxAge = 2 * time.Hour

// FilterStale drops entries acquired more than maxAge before now, along with
// entries whose timestamp cannot be parsed. Claims dated in the future are
// kept. The evicted keys are returned sorted.
func FilterStale(set models.ParticipantSet, now time.Time, maxAge time.Duration) (models.ParticipantSet, []string) {
	kept := make(models.ParticipantSet, len(set))
	var evicted []string

	cutoff := now.Add(-maxAge)
	for key, a := range set {
		at, err := a.AcquiredTime()
		if err != nil || at.Before(cutoff) {
			evicted = append(evicted, key)
			continue
		}
		kept[key] = a
	}

	sort.Strings(evicted)
	return kept, evicted
}
