package models

import "time"

// Chat represents a direct or group conversation
type Chat struct {
	ID            string     `json:"id" db:"id"`
	Name          *string    `json:"name,omitempty" db:"name"`
	IsGroup       bool       `json:"isGroup" db:"is_group"`
	CreatedBy     string     `json:"createdBy" db:"created_by"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
	LastMessage   *string    `json:"lastMessage,omitempty" db:"last_message"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty" db:"last_message_at"`
	LastMessageBy *string    `json:"lastMessageBy,omitempty" db:"last_message_by"`
}

// ParticipantRole is a member's role inside a chat
type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// Participant represents a user's membership in a chat
type Participant struct {
	ChatID   string          `json:"chatId" db:"chat_id"`
	UserID   string          `json:"userId" db:"user_id"`
	JoinedAt time.Time       `json:"joinedAt" db:"joined_at"`
	Role     ParticipantRole `json:"role" db:"role"`
}

// ParticipantWithUser includes the member's user information
type ParticipantWithUser struct {
	Participant
	User UserSummary `json:"user"`
}

// Tag is a label attached to a chat
type Tag struct {
	ChatID    string    `json:"chatId" db:"chat_id"`
	Tag       string    `json:"tag" db:"tag"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// ChatWithRelations is a chat with its participants, tags and last sender name embedded
type ChatWithRelations struct {
	Chat
	Participants      []ParticipantWithUser `json:"participants"`
	Tags              []string              `json:"tags"`
	LastMessageByName *string               `json:"lastMessageByName,omitempty"`
}

// Clone returns a copy that shares no slices or pointers with c
func (c ChatWithRelations) Clone() ChatWithRelations {
	out := c
	out.Name = cloneString(c.Name)
	out.LastMessage = cloneString(c.LastMessage)
	out.LastMessageBy = cloneString(c.LastMessageBy)
	out.LastMessageByName = cloneString(c.LastMessageByName)
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		out.LastMessageAt = &t
	}
	out.Participants = append([]ParticipantWithUser(nil), c.Participants...)
	out.Tags = append([]string(nil), c.Tags...)
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
