package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Invitation status values
const (
	InvitationStatusPending  = "pending"
	InvitationStatusComplete = "complete"
)

// Invitation records a request to onboard an email address, optionally into
// a project. At most one pending invitation should exist per (email,
// project_id); this is checked before insert and deliberately has no
// unique index.
type Invitation struct {
	bun.BaseModel `bun:"table:invitations,alias:inv"`

	ID             string    `bun:"id,pk,type:uuid"`
	InvitationCode string    `bun:"invitation_code,notnull"`
	Email          string    `bun:"email,notnull"`
	InvitedBy      string    `bun:"invited_by,notnull"`
	PlatformRole   string    `bun:"platform_role,notnull"`
	ProjectRole    string    `bun:"project_role,notnull,default:''"`
	ProjectID      string    `bun:"project_id,notnull,default:''"`
	Status         string    `bun:"status,notnull"`
	ExpiresAt      time.Time `bun:"expires_at,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// HasProject reports whether the invitation targets a project.
func (i *Invitation) HasProject() bool {
	return i != nil && i.ProjectID != ""
}
