package chatlist

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"periskope/chatsync/internal/models"
)

const (
	previewLimit   = 30
	visibleTags    = 2
	unknownName    = "Unknown"
	dateLabelStyle = "02 Jan 06"
)

// ChatView is the render-ready projection of one conversation
type ChatView struct {
	ID             string     `json:"id"`
	IsGroup        bool       `json:"isGroup"`
	DisplayName    string     `json:"displayName"`
	Avatar         string     `json:"avatar"`
	Preview        string     `json:"preview"`
	Tags           []string   `json:"tags"`
	TagExtra       string     `json:"tagExtra"`
	ContactPrimary string     `json:"contactPrimary"`
	ContactExtra   string     `json:"contactExtra"`
	DateLabel      string     `json:"dateLabel"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
}

// Project derives the view of chat as seen by currentUserID
func Project(chat *models.ChatWithRelations, currentUserID string) ChatView {
	name := DisplayName(chat, currentUserID)
	tags, extra := TagSummary(chat.Tags)
	primary, contactExtra := ContactsSummary(chat.Participants)
	return ChatView{
		ID:             chat.ID,
		IsGroup:        chat.IsGroup,
		DisplayName:    name,
		Avatar:         AvatarGlyph(chat, currentUserID),
		Preview:        PreviewLine(chat, name),
		Tags:           tags,
		TagExtra:       extra,
		ContactPrimary: primary,
		ContactExtra:   contactExtra,
		DateLabel:      DateLabel(chat.LastMessageAt),
		LastMessageAt:  chat.LastMessageAt,
	}
}

// DisplayName is the group name for named groups, otherwise the other
// participant's name or phone
func DisplayName(chat *models.ChatWithRelations, currentUserID string) string {
	if chat.IsGroup && chat.Name != nil && *chat.Name != "" {
		return *chat.Name
	}
	other := otherParticipant(chat.Participants, currentUserID)
	if other == nil {
		return unknownName
	}
	if other.User.Name != "" {
		return other.User.Name
	}
	if other.User.Phone != "" {
		return other.User.Phone
	}
	return unknownName
}

// AvatarGlyph is the uppercased first letter of the chat's name, or "G"/"U"
func AvatarGlyph(chat *models.ChatWithRelations, currentUserID string) string {
	if chat.IsGroup {
		if chat.Name != nil {
			if g := initial(*chat.Name); g != "" {
				return g
			}
		}
		return "G"
	}
	if other := otherParticipant(chat.Participants, currentUserID); other != nil {
		if g := initial(other.User.Name); g != "" {
			return g
		}
	}
	return "U"
}

// Preview truncates content to previewLimit characters, marking the cut
func Preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLimit {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLimit]) + "..."
}

// PreviewLine prefixes the preview with the last sender's name when it is
// not the chat's own display name
func PreviewLine(chat *models.ChatWithRelations, displayName string) string {
	if chat.LastMessage == nil {
		return ""
	}
	preview := Preview(*chat.LastMessage)
	if chat.LastMessageByName != nil && *chat.LastMessageByName != "" && *chat.LastMessageByName != displayName {
		return *chat.LastMessageByName + ": " + preview
	}
	return preview
}

// TagSummary returns the visible tags and a "+N" marker for the rest
func TagSummary(tags []string) ([]string, string) {
	if len(tags) <= visibleTags {
		return append([]string{}, tags...), ""
	}
	return append([]string{}, tags[:visibleTags]...), fmt.Sprintf("+%d", len(tags)-visibleTags)
}

// ContactsSummary returns the first participant's phone and a "+N" marker
func ContactsSummary(participants []models.ParticipantWithUser) (string, string) {
	if len(participants) == 0 {
		return "", ""
	}
	extra := ""
	if len(participants) > 1 {
		extra = fmt.Sprintf("+%d", len(participants)-1)
	}
	return participants[0].User.Phone, extra
}

// DateLabel formats t like "05 Mar 24"; empty for nil
func DateLabel(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLabelStyle)
}

// ParticipantNames lists member names for a conversation header
func ParticipantNames(participants []models.ParticipantWithUser) []string {
	names := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.User.Name != "" {
			names = append(names, p.User.Name)
		} else {
			names = append(names, p.User.Phone)
		}
	}
	return names
}

// IsMine reports whether msg was sent by currentUserID
func IsMine(msg *models.Message, currentUserID string) bool {
	return currentUserID != "" && msg.SenderID == currentUserID
}

func otherParticipant(participants []models.ParticipantWithUser, currentUserID string) *models.ParticipantWithUser {
	for i := range participants {
		if participants[i].UserID != currentUserID {
			return &participants[i]
		}
	}
	return nil
}

func initial(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	r, _ := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r))
}
