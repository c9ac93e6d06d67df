package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vogiaan1904/actpresence/internal/models"
)

func TestFilterStaleEvictsOldClaims(t *testing.T) {
	now := t0.Add(10 * time.Hour)
	s := set(
		ann("zombie", now.Add(-3*time.Hour)),
		ann("recent", now.Add(-1*time.Hour)),
		ann("edge", now.Add(-DefaultMaxAge)),
	)

	kept, evicted := FilterStale(s, now, DefaultMaxAge)

	assert.Equal(t, []string{"zombie"}, evicted)
	assert.Contains(t, kept, "recent")
	assert.Contains(t, kept, "edge")
	assert.NotContains(t, kept, "zombie")
	assert.Len(t, s, 3, "input must not be modified")
}

func TestFilterStaleKeepsFutureClaims(t *testing.T) {
	kept, evicted := FilterStale(set(ann("skewed", t0.Add(5*time.Minute))), t0, DefaultMaxAge)
	assert.Empty(t, evicted)
	assert.Len(t, kept, 1)
}

func TestFilterStaleDropsUnparsable(t *testing.T) {
	s := models.ParticipantSet{
		"ghost": {ParticipantKey: "ghost", ResourceID: "42", AcquiredAt: ""},
	}
	kept, evicted := FilterStale(s, t0, DefaultMaxAge)
	assert.Empty(t, kept)
	assert.Equal(t, []string{"ghost"}, evicted)
}

func TestZombieStopsBlockingAfterMaxAge(t *testing.T) {
	zombie := ann("zombie", t0)
	me := ann("anna", t0.Add(time.Minute))
	self := Claimant{Key: "anna", AcquiredAt: t0.Add(time.Minute)}

	kept, _ := FilterStale(set(zombie, me), t0.Add(time.Hour), DefaultMaxAge)
	assert.True(t, Decide(kept, self).IsLockedByOther())

	kept, _ = FilterStale(set(zombie, me), t0.Add(2*time.Hour+time.Second), DefaultMaxAge)
	assert.True(t, Decide(kept, self).IsHolder())
}
