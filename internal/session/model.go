package session

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// ValidStatus reports whether s is a recognized session status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusCompleted, StatusExpired:
		return true
	}
	return false
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session is a per-user conversation container.
type Session struct {
	ID        string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Status    Status            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Message is one conversation entry. Ordering within a session is defined
// by Seq; the store assigns it monotonically so ties are impossible.
type Message struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Invocation records one agent dispatch outcome.
type Invocation struct {
	SessionID    string    `json:"session_id"`
	AgentName    string    `json:"agent_name"`
	Query        string    `json:"query"`
	Response     string    `json:"response,omitempty"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Context is the per-session recency snapshot consulted by the router's
// context bias. It is overwritten after every dispatch.
type Context struct {
	SessionID       string    `json:"session_id"`
	LastAgentCalled string    `json:"last_agent_called"`
	LastQuery       string    `json:"last_query"`
	LastResponse    string    `json:"last_response"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Detail bundles a session with its ordered history, invocations, and
// routing context.
type Detail struct {
	Session     Session      `json:"session"`
	History     []Message    `json:"history"`
	Invocations []Invocation `json:"invocations"`
	Context     *Context     `json:"context,omitempty"`
}
