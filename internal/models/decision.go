package models

type LockStatus string

const (
	LockStatusPending       LockStatus = "pending"
	LockStatusHolder        LockStatus = "holder"
	LockStatusLockedByOther LockStatus = "locked_by_other"
)

// LockDecision is derived on every participant set change and never stored.
type LockDecision struct {
	Status     LockStatus `json:"status"`
	HolderKey  string     `json:"holder_key,omitempty"`
	HolderName string     `json:"holder_name,omitempty"`
}

func (d LockDecision) IsLockedByOther() bool {
	return d.Status == LockStatusLockedByOther
}

func (d LockDecision) IsHolder() bool {
	return d.Status == LockStatusHolder
}

func (d LockDecision) IsPending() bool {
	return d.Status == LockStatusPending
}
