package models

import "time"

type ActStatus string

const (
	ActStatusDraft    ActStatus = "draft"
	ActStatusInWork   ActStatus = "in_work"
	ActStatusDone     ActStatus = "done"
	ActStatusArchived ActStatus = "archived"
)

// Act is a repair act, the record the presence lock protects in the shop.
type Act struct {
	ID          ResourceID `json:"id"`
	Number      string     `json:"number"`
	ClientName  string     `json:"client_name"`
	CarPlate    string     `json:"car_plate"`
	Mileage     int64      `json:"mileage"`
	Description string     `json:"description"`
	Status      ActStatus  `json:"status"`
	TotalCents  int64      `json:"total_cents"`
	Version     int64      `json:"version"`
	UpdatedBy   string     `json:"updated_by,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ActPatch carries the fields an editor changed; nil fields are left alone.
type ActPatch struct {
	ClientName  *string    `json:"client_name,omitempty"`
	CarPlate    *string    `json:"car_plate,omitempty"`
	Mileage     *int64     `json:"mileage,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *ActStatus `json:"status,omitempty"`
	TotalCents  *int64     `json:"total_cents,omitempty"`
}

func (p ActPatch) IsEmpty() bool {
	return p.ClientName == nil && p.CarPlate == nil && p.Mileage == nil &&
		p.Description == nil && p.Status == nil && p.TotalCents == nil
}

// Apply returns a copy of a with the patch applied. Version and audit fields
// are the store's responsibility.
func (p ActPatch) Apply(a Act) Act {
	if p.ClientName != nil {
		a.ClientName = *p.ClientName
	}
	if p.CarPlate != nil {
		a.CarPlate = *p.CarPlate
	}
	if p.Mileage != nil {
		a.Mileage = *p.Mileage
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.TotalCents != nil {
		a.TotalCents = *p.TotalCents
	}
	return a
}
