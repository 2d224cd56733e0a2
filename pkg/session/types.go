package session

import "time"

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Arguments is the JSON-serialized argument object.
	Arguments string `json:"arguments"`
}

// Message is one entry of a conversation. Content may be empty when the
// message only carries tool calls.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Name       string     `json:"name,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Location is a coordinate pair in decimal degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Preferences are rider tunables.
type Preferences struct {
	Units              string `json:"units"`
	MaxNearbyStops     int    `json:"maxNearbyStops"`
	NotificationRadius int    `json:"notificationRadius"` // meters
}

// DefaultPreferences returns the preferences of a brand-new session.
func DefaultPreferences() Preferences {
	return Preferences{
		Units:              "metric",
		MaxNearbyStops:     5,
		NotificationRadius: 500,
	}
}

// Exchange is a (user text, agent text) pair kept for summaries.
type Exchange struct {
	UserText  string    `json:"userText"`
	AgentText string    `json:"agentText"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the conversational state of one rider.
type Session struct {
	ID              string      `json:"id"`
	UserID          string      `json:"userId"`
	Location        *Location   `json:"location,omitempty"`
	MessageHistory  []Message   `json:"messageHistory"`
	LegacyExchanges []Exchange  `json:"legacyExchanges"`
	RecentSearches  []string    `json:"recentSearches"`
	Preferences     Preferences `json:"preferences"`
	CreatedAt       time.Time   `json:"createdAt"`
	LastUpdated     time.Time   `json:"lastUpdated"`
}

// clone returns a deep copy.
func (s *Session) clone() Session {
	out := *s
	if s.Location != nil {
		loc := *s.Location
		out.Location = &loc
	}
	out.MessageHistory = make([]Message, len(s.MessageHistory))
	for i, m := range s.MessageHistory {
		if m.ToolCalls != nil {
			m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		}
		out.MessageHistory[i] = m
	}
	out.LegacyExchanges = append([]Exchange(nil), s.LegacyExchanges...)
	out.RecentSearches = append([]string(nil), s.RecentSearches...)
	return out
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Location       *Location
	Preferences    *Preferences
	RecentSearches []string
}

// Summary is the client-facing view of a session.
type Summary struct {
	UserID         string    `json:"userId"`
	SessionAge     string    `json:"sessionAge"`
	AgeSeconds     int64     `json:"ageSeconds"`
	MessageCount   int       `json:"messageCount"`
	LastActivity   time.Time `json:"lastActivity"`
	HasLocation    bool      `json:"hasLocation"`
	RecentSearches int       `json:"recentSearches"`
}

// EvictReason tells why a session left the store.
type EvictReason string

const (
	EvictExpired EvictReason = "expired" // replaced on access
	EvictSwept   EvictReason = "swept"
	EvictReset   EvictReason = "reset"
)

// EvictHook observes sessions leaving the store. It runs outside the store lock.
type EvictHook func(s Session, reason EvictReason)
