package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/storage"
)

// ErrForbidden is returned when the caller lacks ownership or membership
// required for an operation.
var ErrForbidden = errors.New("permission denied")

// ErrInvalidScope is returned when a request supplies both or neither of
// the mutually exclusive agent_id/thread_id scope identifiers.
var ErrInvalidScope = errors.New("provide exactly one of agent_id or thread_id")

// Directory is the subset of the store the guard reads from.
type Directory interface {
	GetAgent(id string) (storage.Agent, error)
	GetThread(id string) (storage.Thread, error)
}

// FileDirectory resolves a file's denormalized metadata from the chunk
// index, where files exist only as chunk aggregations.
type FileDirectory interface {
	GetFileMeta(ctx context.Context, fileID string) (ownerUserID string, appliedUserIDs []string, err error)
}

// Guard checks resource existence and caller permissions on every request.
// Decisions are never cached: membership can change between requests.
//
// Existence is checked before ownership, so callers can distinguish a
// missing resource (NotFound) from a hidden one (Forbidden). This mirrors
// the API's 404/403 split and is an accepted information leak.
type Guard struct {
	dir   Directory
	files FileDirectory
}

// NewGuard creates a Guard over the given directory stores.
func NewGuard(dir Directory, files FileDirectory) *Guard {
	return &Guard{dir: dir, files: files}
}

// Agent returns the agent or storage.ErrNotFound.
func (g *Guard) Agent(id string) (storage.Agent, error) {
	a, err := g.dir.GetAgent(id)
	if err != nil {
		return storage.Agent{}, fmt.Errorf("agent %s: %w", id, err)
	}
	return a, nil
}

// AgentOwner returns the agent if userID owns it.
func (g *Guard) AgentOwner(id, userID string) (storage.Agent, error) {
	a, err := g.Agent(id)
	if err != nil {
		return storage.Agent{}, err
	}
	if a.OwnerUserID != userID {
		return storage.Agent{}, fmt.Errorf("agent %s: %w", id, ErrForbidden)
	}
	return a, nil
}

// AgentMember returns the agent if userID is in its access list or the
// agent is public.
func (g *Guard) AgentMember(id, userID string) (storage.Agent, error) {
	a, err := g.Agent(id)
	if err != nil {
		return storage.Agent{}, err
	}
	if !HasAccess(a.UserIDs, userID) {
		return storage.Agent{}, fmt.Errorf("agent %s: %w", id, ErrForbidden)
	}
	return a, nil
}

// Thread returns the thread or storage.ErrNotFound.
func (g *Guard) Thread(id string) (storage.Thread, error) {
	t, err := g.dir.GetThread(id)
	if err != nil {
		return storage.Thread{}, fmt.Errorf("thread %s: %w", id, err)
	}
	return t, nil
}

// ThreadOwner returns the thread if userID owns it. Threads have no
// membership notion; any non-owner is forbidden.
func (g *Guard) ThreadOwner(id, userID string) (storage.Thread, error) {
	t, err := g.Thread(id)
	if err != nil {
		return storage.Thread{}, err
	}
	if t.OwnerUserID != userID {
		return storage.Thread{}, fmt.Errorf("thread %s: %w", id, ErrForbidden)
	}
	return t, nil
}

// FileOwner verifies that userID owns the file identified by fileID.
func (g *Guard) FileOwner(ctx context.Context, fileID, userID string) error {
	owner, _, err := g.files.GetFileMeta(ctx, fileID)
	if err != nil {
		return fmt.Errorf("file %s: %w", fileID, err)
	}
	if owner != userID {
		return fmt.Errorf("file %s: %w", fileID, ErrForbidden)
	}
	return nil
}

// FileMember verifies that userID may read the file: public files pass,
// otherwise membership in the applied list is required.
func (g *Guard) FileMember(ctx context.Context, fileID, userID string) error {
	_, applied, err := g.files.GetFileMeta(ctx, fileID)
	if err != nil {
		return fmt.Errorf("file %s: %w", fileID, err)
	}
	if !HasAccess(applied, userID) {
		return fmt.Errorf("file %s: %w", fileID, ErrForbidden)
	}
	return nil
}

// ValidateScope enforces that exactly one of agentID/threadID is set.
func ValidateScope(agentID, threadID string) error {
	if agentID == "" && threadID == "" {
		return ErrInvalidScope
	}
	if agentID != "" && threadID != "" {
		return ErrInvalidScope
	}
	return nil
}
