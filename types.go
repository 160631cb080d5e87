package runova

import (
	"time"
)

// Collection names used by the Runova backend.
const (
	CollConversations = "conversations"
	CollMessages      = "messages"
	CollProfiles      = "profiles"
)

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind tags the conversation variant.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// GroupInfo holds the fields that only exist on group conversations.
type GroupInfo struct {
	Name        string `json:"name"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Description string `json:"description,omitempty"`
	AdminID     string `json:"adminId"`
}

// Conversation is a chat between two or more runners. Group is non-nil
// exactly when Kind is KindGroup, so direct-only reads can never touch a
// group field and vice versa.
type Conversation struct {
	ID             string           `json:"id"`
	Kind           ConversationKind `json:"kind"`
	ParticipantIDs []string         `json:"participantIds"`
	CreatedBy      string           `json:"createdBy"`
	CreatedAt      time.Time        `json:"createdAt"`

	// Denormalized cache of the most recent message, written in the same
	// batch as the message itself.
	LastMessage         string    `json:"lastMessage,omitempty"`
	LastMessageAt       time.Time `json:"lastMessageAt"`
	LastMessageSenderID string    `json:"lastMessageSenderId,omitempty"`

	// UnreadCounts maps participant id to unread count. A missing key
	// reads as zero.
	UnreadCounts map[string]int `json:"unreadCounts"`

	Group *GroupInfo `json:"group,omitempty"`
}

// OtherParticipant returns the participant that is not viewerID. Meaningful
// for direct conversations only.
func (c *Conversation) OtherParticipant(viewerID string) string {
	for _, id := range c.ParticipantIDs {
		if id != viewerID {
			return id
		}
	}
	return ""
}

// UnreadFor returns the viewer's unread count, treating absence as zero.
func (c *Conversation) UnreadFor(viewerID string) int {
	return c.UnreadCounts[viewerID]
}

// decodeConversation builds a Conversation from a stored document with
// defaulting reads throughout.
func decodeConversation(id string, d Document) Conversation {
	c := Conversation{
		ID:                  id,
		Kind:                ConversationKind(d.Str("kind", string(KindDirect))),
		ParticipantIDs:      d.StrSlice("participantIds"),
		CreatedBy:           d.Str("createdBy", ""),
		CreatedAt:           d.Time("createdAt"),
		LastMessage:         d.Str("lastMessage", ""),
		LastMessageAt:       d.Time("lastMessageAt"),
		LastMessageSenderID: d.Str("lastMessageSenderId", ""),
		UnreadCounts:        d.IntMap("unreadCounts"),
	}
	if c.Kind == KindGroup {
		c.Group = &GroupInfo{
			Name:        d.Str("groupName", ""),
			ImageURL:    d.Str("groupImageUrl", ""),
			Description: d.Str("groupDescription", ""),
			AdminID:     d.Str("adminId", ""),
		}
	}
	return c
}

// encodeConversation flattens a Conversation into stored fields.
func encodeConversation(c Conversation) map[string]any {
	fields := map[string]any{
		"kind":                string(c.Kind),
		"participantIds":      c.ParticipantIDs,
		"createdBy":           c.CreatedBy,
		"createdAt":           c.CreatedAt.UTC().Format(time.RFC3339Nano),
		"lastMessage":         c.LastMessage,
		"lastMessageAt":       c.LastMessageAt.UTC().Format(time.RFC3339Nano),
		"lastMessageSenderId": c.LastMessageSenderID,
		"unreadCounts":        c.UnreadCounts,
	}
	if c.Group != nil {
		fields["groupName"] = c.Group.Name
		fields["groupImageUrl"] = c.Group.ImageURL
		fields["groupDescription"] = c.Group.Description
		fields["adminId"] = c.Group.AdminID
	}
	return fields
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the lifecycle state of a message as seen by this client.
type MessageStatus string

const (
	// StatusPending exists only in memory: sent locally, not yet
	// acknowledged by the backend.
	StatusPending MessageStatus = "pending"
	// StatusCommitted carries a server-assigned timestamp.
	StatusCommitted MessageStatus = "committed"
	// StatusFailed is a pending message whose write was rejected. It stays
	// visible until retried or the stream closes.
	StatusFailed MessageStatus = "failed"
)

// Message is one chat message. Pending messages carry a LocalID and a
// client-side SentAt; committed ones carry the store id and the
// server-assigned SentAt.
type Message struct {
	ID             string        `json:"id"`
	LocalID        string        `json:"localId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	SentAt         time.Time     `json:"sentAt"`
	Status         MessageStatus `json:"status"`

	// Denormalized at send time, never updated retroactively.
	SenderDisplayName string `json:"senderDisplayName,omitempty"`
	SenderAvatarURL   string `json:"senderAvatarUrl,omitempty"`
}

func decodeMessage(id string, d Document) Message {
	return Message{
		ID:                id,
		ConversationID:    d.Str("conversationId", ""),
		SenderID:          d.Str("senderId", ""),
		Content:           d.Str("content", ""),
		SentAt:            d.Time("sentAt"),
		Status:            StatusCommitted,
		SenderDisplayName: d.Str("senderDisplayName", ""),
		SenderAvatarURL:   d.Str("senderAvatarUrl", ""),
	}
}

func encodeMessage(m Message) map[string]any {
	return map[string]any{
		"conversationId":    m.ConversationID,
		"senderId":          m.SenderID,
		"content":           m.Content,
		"sentAt":            m.SentAt.UTC().Format(time.RFC3339Nano),
		"senderDisplayName": m.SenderDisplayName,
		"senderAvatarUrl":   m.SenderAvatarURL,
	}
}

// ============================================================================
// Profiles
// ============================================================================

// Profile is the cached projection of a user: exactly what conversation
// rows and rosters render. Entries are immutable snapshots; staleness is
// accepted for the session lifetime.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func decodeProfile(id string, d Document) Profile {
	return Profile{
		ID:          id,
		DisplayName: d.Str("displayName", ""),
		AvatarURL:   d.Str("avatarUrl", ""),
	}
}

// ============================================================================
// View models
// ============================================================================

// ConversationView is the display-ready projection of a conversation for
// the current user.
type ConversationView struct {
	Conversation Conversation `json:"conversation"`
	// Other is the resolved profile of the other participant; set for
	// direct conversations.
	Other *Profile `json:"other,omitempty"`
	// Roster is the resolved participant profiles; set for groups.
	Roster []Profile `json:"roster,omitempty"`
	// Unread is the current user's unread count.
	Unread int `json:"unread"`
}

// Title returns the display name for the conversation row.
func (v *ConversationView) Title() string {
	if v.Conversation.Kind == KindGroup && v.Conversation.Group != nil {
		return v.Conversation.Group.Name
	}
	if v.Other != nil {
		return v.Other.DisplayName
	}
	return ""
}

// MessageView is the display-ready projection of one message.
type MessageView struct {
	Message Message `json:"message"`
	// Mine is true when the current user sent the message.
	Mine bool `json:"mine"`
}
