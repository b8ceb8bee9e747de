package model

import "time"

// Campaign is the parent record a milestone belongs to. ProjectID is the
// campaign's on-chain project id; milestones cannot be added to a campaign
// that has not been registered on chain (ProjectID zero).
type Campaign struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	ProjectID       int64     `json:"projectId"`
	ReviewerAddress string    `json:"reviewerAddress"`
	OwnerAddress    string    `json:"ownerAddress"`
	CreatedAt       time.Time `json:"createdAt"`
}
