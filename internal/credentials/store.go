// Package credentials resolves per-step credentials under the tiered
// fallback policy and manages credential lifecycle flags.
package credentials

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/parallaxlabs/relay/pkg/models"
)

var (
	ErrNotFound      = errors.New("credential not found")
	ErrAlreadyExists = errors.New("credential already exists")
)

// Store persists credential records.
//
// SetUserCurrentProfile and SetTeamDefaultProfile must unset the flag
// on all sibling credentials for the same owner and app before setting
// it on the target, within one store operation, so at most one
// credential per (owner, app) carries the flag at any time.
type Store interface {
	Create(ctx context.Context, cred *models.Credential) error
	Get(ctx context.Context, id string) (*models.Credential, error)
	Delete(ctx context.Context, id string) error

	// ListForUser returns the user's credentials for an app, most
	// recently updated first.
	ListForUser(ctx context.Context, userID, appID string) ([]*models.Credential, error)

	// ListForTeam returns the team's credentials for an app, most
	// recently updated first.
	ListForTeam(ctx context.Context, teamID, appID string) ([]*models.Credential, error)

	// MarkInvalid flags a credential invalid with a reason. Idempotent;
	// marking an already-invalid credential keeps the original reason.
	MarkInvalid(ctx context.Context, id, reason string) error

	SetUserCurrentProfile(ctx context.Context, userID, credentialID string) error
	SetTeamDefaultProfile(ctx context.Context, teamID, credentialID string) error
}

// MemoryStore keeps credentials in memory. Profile-flag mutations are
// last-writer-wins under a single mutex, matching the accepted
// eventual-consistency model for concurrent profile updates.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*models.Credential
}

// NewMemoryStore returns an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*models.Credential)}
}

// Create stores a credential.
func (s *MemoryStore) Create(ctx context.Context, cred *models.Credential) error {
	if cred == nil || cred.ID == "" {
		return errors.New("credential id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.creds[cred.ID]; exists {
		return ErrAlreadyExists
	}
	clone := *cred
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = clone.CreatedAt
	}
	s.creds[cred.ID] = &clone
	return nil
}

// Get returns a credential by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *cred
	return &clone, nil
}

// Delete removes a credential.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[id]; !ok {
		return ErrNotFound
	}
	delete(s.creds, id)
	return nil
}

// ListForUser returns the user's credentials for an app, newest first.
func (s *MemoryStore) ListForUser(ctx context.Context, userID, appID string) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(c *models.Credential) bool {
		return c.UserID == userID && c.AppID == appID
	}), nil
}

// ListForTeam returns the team's credentials for an app, newest first.
func (s *MemoryStore) ListForTeam(ctx context.Context, teamID, appID string) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(c *models.Credential) bool {
		return c.TeamID == teamID && c.AppID == appID
	}), nil
}

func (s *MemoryStore) list(match func(*models.Credential) bool) []*models.Credential {
	var out []*models.Credential
	for _, cred := range s.creds {
		if match(cred) {
			clone := *cred
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// MarkInvalid flags a credential invalid. Idempotent.
func (s *MemoryStore) MarkInvalid(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	if cred.Invalid {
		return nil
	}
	cred.Invalid = true
	cred.InvalidReason = reason
	cred.UpdatedAt = time.Now()
	return nil
}

// SetUserCurrentProfile makes the credential the user's current profile
// for its app, unsetting the flag on all siblings in the same operation.
func (s *MemoryStore) SetUserCurrentProfile(ctx context.Context, userID, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.creds[credentialID]
	if !ok || target.UserID != userID {
		return ErrNotFound
	}
	for _, cred := range s.creds {
		if cred.UserID == userID && cred.AppID == target.AppID && cred.IsUserCurrentProfile {
			cred.IsUserCurrentProfile = false
		}
	}
	target.IsUserCurrentProfile = true
	target.UpdatedAt = time.Now()
	return nil
}

// SetTeamDefaultProfile makes the credential the team's default profile
// for its app, unsetting the flag on all siblings in the same operation.
func (s *MemoryStore) SetTeamDefaultProfile(ctx context.Context, teamID, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.creds[credentialID]
	if !ok || target.TeamID != teamID {
		return ErrNotFound
	}
	for _, cred := range s.creds {
		if cred.TeamID == teamID && cred.AppID == target.AppID && cred.IsTeamDefaultProfile {
			cred.IsTeamDefaultProfile = false
		}
	}
	target.IsTeamDefaultProfile = true
	target.UpdatedAt = time.Now()
	return nil
}
