package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert violates a uniqueness rule,
// e.g. a duplicate agent or thread name under the same owner.
var ErrConflict = errors.New("conflict")

// Agent is a configured assistant owned by a user. UserIDs is the access
// list: an empty list means the agent is public and every user has access.
type Agent struct {
	ID          string
	Name        string
	OwnerUserID string
	Config      string // JSON object stored as text
	UserIDs     []string
	CreatedAt   time.Time
}

// Thread is a conversation between its owner and an agent. Threads are
// never shared; only the owner can read or mutate them.
type Thread struct {
	ID          string
	Name        string
	OwnerUserID string
	AgentID     string
	CreatedAt   time.Time
}

// ChatMessage is one entry in a thread's short-term message log.
type ChatMessage struct {
	ThreadID  string
	Role      string // "user" or "assistant"
	Content   string
	CreatedAt time.Time
}
