// Package lock holds the pure decision logic of the presence lock: who holds a
// resource given the participants currently announced on its channel.
package lock

import (
	"sort"
	"time"

	"github.com/vogiaan1904/actpresence/internal/models"
)

// Claimant identifies the local session to the arbiter.
type Claimant struct {
	Key        string
	AcquiredAt time.Time
}

type claim struct {
	key  string
	name string
	at   time.Time
}

// before is the total order over claims: earlier acquisition first, then key.
func (c claim) before(o claim) bool {
	if !c.at.Equal(o.at) {
		return c.at.Before(o.at)
	}
	return c.key < o.key
}

// Decide computes the lock decision for self from an already filtered set.
//
// If self has not yet been observed in the set but others have, the earliest
// of the others is reported as holder without consulting self's own claim.
// A set with no entries at all is pending.
func Decide(set models.ParticipantSet, self Claimant) models.LockDecision {
	if len(set) == 0 {
		return models.LockDecision{Status: models.LockStatusPending}
	}

	selfEntry, selfSeen := set[self.Key]

	claims := make([]claim, 0, len(set))
	for key, a := range set {
		if key == self.Key {
			continue
		}
		at, err := a.AcquiredTime()
		if err != nil {
			continue
		}
		claims = append(claims, claim{key: key, name: a.ParticipantKey, at: at})
	}

	if !selfSeen {
		if len(claims) == 0 {
			return models.LockDecision{Status: models.LockStatusPending}
		}
		return lockedByClaim(first(claims))
	}

	claims = append(claims, claim{key: self.Key, name: selfEntry.ParticipantKey, at: self.AcquiredAt})
	holder := first(claims)
	if holder.key == self.Key {
		return models.LockDecision{
			Status:     models.LockStatusHolder,
			HolderKey:  holder.key,
			HolderName: holder.name,
		}
	}

	return lockedByClaim(holder)
}

// Order returns the presence keys of set in arbitration order. Entries with
// unparsable timestamps are omitted.
func Order(set models.ParticipantSet) []string {
	claims := make([]claim, 0, len(set))
	for key, a := range set {
		at, err := a.AcquiredTime()
		if err != nil {
			continue
		}
		claims = append(claims, claim{key: key, at: at})
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].before(claims[j]) })

	keys := make([]string, len(claims))
	for i, c := range claims {
		keys[i] = c.key
	}
	return keys
}

func first(claims []claim) claim {
	best := claims[0]
	for _, c := range claims[1:] {
		if c.before(best) {
			best = c
		}
	}
	return best
}

func lockedByClaim(c claim) models.LockDecision {
	return models.LockDecision{
		Status:     models.LockStatusLockedByOther,
		HolderKey:  c.key,
		HolderName: c.name,
	}
}
