// Package domain contains the entities shared across modules.
package domain

import "time"

// Role is a caller's authorization level.
type Role string

// Roles.
const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"

	// RoleGuest marks an unauthenticated caller. It is never persisted.
	RoleGuest Role = "guest"
)

// IsValid reports whether r can be stored on a user record.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAdmin
}

// HasPermission checks if role has at least the required permission level.
func (r Role) HasPermission(required Role) bool {
	return r.level() >= required.level()
}

func (r Role) level() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// User is a registered account.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// WithoutPassword returns a copy of u with the password hash stripped.
func (u *User) WithoutPassword() *User {
	if u == nil {
		return nil
	}
	clone := *u
	clone.PasswordHash = ""
	return &clone
}

// UserUpdate describes a partial update of a user record.
// Nil fields are left unchanged.
type UserUpdate struct {
	Name         *string
	Email        *string
	PasswordHash *string
	Role         *Role
	UpdatedAt    time.Time
}

// IsEmpty reports whether the update changes no user-visible field.
func (u UserUpdate) IsEmpty() bool {
	return u.Name == nil && u.Email == nil && u.PasswordHash == nil && u.Role == nil
}

// Apply applies the update to user in place.
func (u UserUpdate) Apply(user *User) {
	if u.Name != nil {
		user.Name = *u.Name
	}
	if u.Email != nil {
		user.Email = *u.Email
	}
	if u.PasswordHash != nil {
		user.PasswordHash = *u.PasswordHash
	}
	if u.Role != nil {
		user.Role = *u.Role
	}
	user.UpdatedAt = u.UpdatedAt
}
