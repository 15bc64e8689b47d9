package models

import "strings"

// Role classifies which directory an identity was resolved from.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

const (
	DefaultAdminName  = "Admin"
	DefaultMemberName = "User"
)

// Identity is the resolved display identity of the signed-in user.
type Identity struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	Email          string `json:"email"`
	Role           Role   `json:"role"`
	ApprovalStatus string `json:"approval_status,omitempty"`
}

func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// EmailLocalPart returns the part of email before '@', or the whole string
// when there is none.
func EmailLocalPart(email string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	return local
}

// DefaultIdentity is used when neither directory knows the user.
func DefaultIdentity(userID, email string) *Identity {
	return &Identity{
		ID:          userID,
		DisplayName: EmailLocalPart(email),
		Email:       email,
		Role:        RoleMember,
	}
}
