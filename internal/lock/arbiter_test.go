package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vogiaan1904/actpresence/internal/models"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func ann(name string, at time.Time) models.Announcement {
	return models.NewAnnouncement(name, "42", at, "")
}

func set(anns ...models.Announcement) models.ParticipantSet {
	s := make(models.ParticipantSet, len(anns))
	for _, a := range anns {
		s[a.ParticipantKey] = a
	}
	return s
}

func TestDecideEmptySetIsPending(t *testing.T) {
	d := Decide(models.ParticipantSet{}, Claimant{Key: "anna", AcquiredAt: t0})
	assert.True(t, d.IsPending())
	assert.Empty(t, d.HolderKey)
}

func TestDecideOnlySelfHolds(t *testing.T) {
	d := Decide(set(ann("anna", t0)), Claimant{Key: "anna", AcquiredAt: t0})
	assert.True(t, d.IsHolder())
	assert.Equal(t, "anna", d.HolderKey)
}

func TestDecideEarliestClaimHolds(t *testing.T) {
	s := set(
		ann("anna", t0.Add(2*time.Second)),
		ann("boris", t0),
		ann("clara", t0.Add(time.Second)),
	)

	for _, self := range []string{"anna", "clara"} {
		at, err := s[self].AcquiredTime()
		require.NoError(t, err)
		d := Decide(s, Claimant{Key: self, AcquiredAt: at})
		assert.True(t, d.IsLockedByOther(), self)
		assert.Equal(t, "boris", d.HolderKey, self)
		assert.Equal(t, "boris", d.HolderName, self)
	}

	d := Decide(s, Claimant{Key: "boris", AcquiredAt: t0})
	assert.True(t, d.IsHolder())
}

func TestDecideTieBrokenByKey(t *testing.T) {
	s := set(ann("zoe", t0), ann("adam", t0))

	assert.True(t, Decide(s, Claimant{Key: "adam", AcquiredAt: t0}).IsHolder())

	d := Decide(s, Claimant{Key: "zoe", AcquiredAt: t0})
	assert.True(t, d.IsLockedByOther())
	assert.Equal(t, "adam", d.HolderKey)
}

func TestDecideExactlyOneHolderAcrossParticipants(t *testing.T) {
	s := set(
		ann("a", t0.Add(3*time.Millisecond)),
		ann("b", t0.Add(time.Millisecond)),
		ann("c", t0.Add(time.Millisecond)),
		ann("d", t0.Add(2*time.Millisecond)),
	)

	holders := 0
	for key, a := range s {
		at, err := a.AcquiredTime()
		require.NoError(t, err)
		d := Decide(s, Claimant{Key: key, AcquiredAt: at})
		if d.IsHolder() {
			holders++
			assert.Equal(t, "b", key)
		} else {
			assert.Equal(t, "b", d.HolderKey)
		}
	}
	assert.Equal(t, 1, holders)
	assert.Equal(t, []string{"b", "c", "d", "a"}, Order(s))
}

func TestDecideIsIndependentOfInsertionOrder(t *testing.T) {
	anns := []models.Announcement{
		ann("anna", t0.Add(50*time.Millisecond)),
		ann("boris", t0),
		ann("clara", t0),
	}
	self := Claimant{Key: "anna", AcquiredAt: t0.Add(50 * time.Millisecond)}

	want := Decide(set(anns...), self)
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, p := range perms {
		s := models.ParticipantSet{}
		for _, i := range p {
			s[anns[i].ParticipantKey] = anns[i]
		}
		for i := 0; i < 5; i++ {
			assert.Equal(t, want, Decide(s, self))
		}
	}
	assert.Equal(t, "boris", want.HolderKey)
}

func TestDecideBootstrapReportsOthersBeforeSelfIsSeen(t *testing.T) {
	// anna claimed first but her own announcement has not synced back yet.
	self := Claimant{Key: "anna", AcquiredAt: t0}
	early := set(ann("boris", t0.Add(50*time.Millisecond)))

	d := Decide(early, self)
	assert.True(t, d.IsLockedByOther())
	assert.Equal(t, "boris", d.HolderKey)

	// once anna's entry arrives, the earlier claim wins.
	full := set(ann("anna", t0), ann("boris", t0.Add(50*time.Millisecond)))
	assert.True(t, Decide(full, self).IsHolder())

	atB, err := full["boris"].AcquiredTime()
	require.NoError(t, err)
	d = Decide(full, Claimant{Key: "boris", AcquiredAt: atB})
	assert.True(t, d.IsLockedByOther())
	assert.Equal(t, "anna", d.HolderKey)
}

func TestDecideSkipsUnparsableOthers(t *testing.T) {
	bad := models.Announcement{ParticipantKey: "ghost", ResourceID: "42", AcquiredAt: "not-a-time"}
	s := set(ann("anna", t0), bad)
	assert.True(t, Decide(s, Claimant{Key: "anna", AcquiredAt: t0}).IsHolder())
}

func TestDecideUsesDisplayNameOfHolder(t *testing.T) {
	s := models.ParticipantSet{
		"anna#tab-1": models.NewAnnouncement("anna", "42", t0, "tab-1"),
		"anna#tab-2": models.NewAnnouncement("anna", "42", t0.Add(time.Second), "tab-2"),
	}
	d := Decide(s, Claimant{Key: "anna#tab-2", AcquiredAt: t0.Add(time.Second)})
	assert.True(t, d.IsLockedByOther())
	assert.Equal(t, "anna#tab-1", d.HolderKey)
	assert.Equal(t, "anna", d.HolderName)
}
