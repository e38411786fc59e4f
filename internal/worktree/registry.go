// Package worktree provisions and tracks per-task git worktrees. Ownership
// is file-based: each worktree has a registry token naming the session that
// created it, and cleanup refuses to touch a worktree owned by a different
// live session.
package worktree

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/aidevops/supervisor/internal/proc"
)

// Token is the ownership record for one worktree.
type Token struct {
	Path      string    `json:"path"`
	TaskID    string    `json:"task_id"`
	Session   string    `json:"session"` // "pid:<n>" of the owning worker, or a pulse session UUID
	CreatedAt time.Time `json:"created_at"`
}

// Registry stores ownership tokens under a directory, one file per worktree.
type Registry struct {
	dir     string
	session string // this pulse's identity, for self-ownership checks
}

// NewRegistry opens (or creates) a token registry at dir.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	return &Registry{dir: dir, session: "pulse:" + uuid.NewString()}, nil
}

// Session returns this registry's own session identity.
func (r *Registry) Session() string {
	return r.session
}

func (r *Registry) tokenPath(worktree string) string {
	sum := sha256.Sum256([]byte(worktree))
	return filepath.Join(r.dir, hex.EncodeToString(sum[:8])+".json")
}

// Claim records ownership of a worktree. Session may be the pulse itself
// (empty string) or a worker's "pid:<n>".
func (r *Registry) Claim(worktree, taskID, session string) error {
	if session == "" {
		session = r.session
	}
	token := Token{Path: worktree, TaskID: taskID, Session: session, CreatedAt: time.Now()}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := os.WriteFile(r.tokenPath(worktree), data, 0644); err != nil {
		return fmt.Errorf("failed to write ownership token: %w", err)
	}
	return nil
}

// Owner returns the token for a worktree. ok is false when no token exists;
// a missing token means no owner and the worktree is safe to remove.
func (r *Registry) Owner(worktree string) (Token, bool) {
	data, err := os.ReadFile(r.tokenPath(worktree))
	if err != nil {
		return Token{}, false
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, false
	}
	return t, true
}

// ErrOwnedElsewhere is returned when cleanup is refused because a live
// foreign session owns the worktree.
var ErrOwnedElsewhere = fmt.Errorf("worktree owned by a live session")

// CanRemove checks whether this session may remove the worktree.
func (r *Registry) CanRemove(worktree string) error {
	owner, ok := r.Owner(worktree)
	if !ok {
		return nil
	}
	if owner.Session == r.session {
		return nil
	}
	if proc.SessionAlive(owner.Session) {
		return fmt.Errorf("%s held by %s (task %s): %w",
			worktree, owner.Session, owner.TaskID, ErrOwnedElsewhere)
	}
	return nil
}

// Forget removes the token for a worktree.
func (r *Registry) Forget(worktree string) error {
	if err := os.Remove(r.tokenPath(worktree)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove ownership token: %w", err)
	}
	return nil
}

// Prune discards tokens whose worktree paths no longer exist on disk.
// Returns the number of tokens removed.
func (r *Registry) Prune() (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read registry: %w", err)
	}
	pruned := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		full := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		var t Token
		if err := json.Unmarshal(data, &t); err != nil || t.Path == "" {
			continue
		}
		if _, err := os.Stat(t.Path); os.IsNotExist(err) {
			if err := os.Remove(full); err == nil {
				pruned++
			}
		}
	}
	return pruned, nil
}
