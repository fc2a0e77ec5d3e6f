package models

import "time"

// UserRoleEndUser is the helpdesk role given to every user qadesk creates.
const UserRoleEndUser = "end-user"

// TrackedUser is a helpdesk user. Users mirrored from the Q&A platform carry
// the source user id as ExternalID; form submitters are keyed by Email.
type TrackedUser struct {
	ID         int64
	Name       string
	Email      string
	ExternalID string
	AvatarURL  string
	ProfileURL string
	Role       string
	Verified   bool
	CreatedAt  time.Time
}
