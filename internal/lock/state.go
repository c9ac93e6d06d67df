package lock

import "github.com/vogiaan1904/actpresence/internal/models"

type State int

const (
	StatePending State = iota
	StateHolder
	StateLockedByOther
)

func (s State) String() string {
	switch s {
	case StateHolder:
		return "holder"
	case StateLockedByOther:
		return "locked_by_other"
	default:
		return "pending"
	}
}

type TransitionKind int

const (
	TransitionNone TransitionKind = iota
	TransitionAcquired
	TransitionLockedByOther
)

type Transition struct {
	Kind       TransitionKind
	From       State
	To         State
	HolderKey  string
	HolderName string
}

// Machine tracks the lock state of one session. Callbacks are derived from the
// transitions it returns, so recomputing an unchanged decision fires nothing.
type Machine struct {
	state      State
	holderKey  string
	holderName string
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) Holder() (key, name string) {
	return m.holderKey, m.holderName
}

// Decision reports the current state as a LockDecision.
func (m *Machine) Decision() models.LockDecision {
	switch m.state {
	case StateHolder:
		return models.LockDecision{Status: models.LockStatusHolder, HolderKey: m.holderKey, HolderName: m.holderName}
	case StateLockedByOther:
		return models.LockDecision{Status: models.LockStatusLockedByOther, HolderKey: m.holderKey, HolderName: m.holderName}
	default:
		return models.LockDecision{Status: models.LockStatusPending}
	}
}

// Apply folds a fresh decision into the machine. A pending decision carries no
// information and never moves the machine.
func (m *Machine) Apply(d models.LockDecision) Transition {
	from := m.state
	switch d.Status {
	case models.LockStatusHolder:
		if m.state == StateHolder {
			return Transition{Kind: TransitionNone, From: from, To: from}
		}
		m.state, m.holderKey, m.holderName = StateHolder, d.HolderKey, d.HolderName
		return Transition{Kind: TransitionAcquired, From: from, To: StateHolder, HolderKey: d.HolderKey, HolderName: d.HolderName}

	case models.LockStatusLockedByOther:
		if m.state == StateLockedByOther && m.holderKey == d.HolderKey {
			return Transition{Kind: TransitionNone, From: from, To: from}
		}
		m.state, m.holderKey, m.holderName = StateLockedByOther, d.HolderKey, d.HolderName
		return Transition{Kind: TransitionLockedByOther, From: from, To: StateLockedByOther, HolderKey: d.HolderKey, HolderName: d.HolderName}
	}

	return Transition{Kind: TransitionNone, From: from, To: from}
}
