package models

import "time"

// User represents a user in the system
type User struct {
	ID        string    `json:"id" db:"id"`
	Phone     string    `json:"phone" db:"phone"`
	Name      string    `json:"name" db:"name"`
	AvatarURL *string   `json:"avatarUrl,omitempty" db:"avatar_url"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// UserSummary is the identity embedded in messages and participants
type UserSummary struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Phone     string  `json:"phone"`
	AvatarURL *string `json:"avatarUrl,omitempty"`
}

// ToSummary converts User to UserSummary
func (u User) ToSummary() UserSummary {
	return UserSummary{
		ID:        u.ID,
		Name:      u.Name,
		Phone:     u.Phone,
		AvatarURL: u.AvatarURL,
	}
}
