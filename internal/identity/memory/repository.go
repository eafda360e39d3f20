// Package memory provides an in-process credential store for development and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/bissquit/acquisitions/internal/domain"
	"github.com/bissquit/acquisitions/internal/identity"
)

// Repository keeps users in memory. A single mutex guards both indexes, which
// makes the email uniqueness check and the insert atomic.
type Repository struct {
	mu      sync.RWMutex
	byID    map[string]domain.User
	byEmail map[string]string // email -> id
}

// NewRepository creates an empty in-memory repository.
func NewRepository() *Repository {
	return &Repository{
		byID:    make(map[string]domain.User),
		byEmail: make(map[string]string),
	}
}

// CreateUser stores user.
func (r *Repository) CreateUser(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[user.Email]; ok {
		return identity.ErrEmailExists
	}
	if _, ok := r.byID[user.ID]; ok {
		return identity.ErrUserExists
	}

	r.byID[user.ID] = *user
	r.byEmail[user.Email] = user.ID
	return nil
}

// GetUserByID returns the user with id.
func (r *Repository) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byID[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return &user, nil
}

// GetUserByEmail returns the user owning email.
func (r *Repository) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[email]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	user := r.byID[id]
	return &user, nil
}

// ListUsers returns all users ordered by creation time.
func (r *Repository) ListUsers(_ context.Context) ([]domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]domain.User, 0, len(r.byID))
	for _, u := range r.byID {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// UpdateUser applies update to the user with id.
func (r *Repository) UpdateUser(_ context.Context, id string, update domain.UserUpdate) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byID[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}

	oldEmail := user.Email
	if update.Email != nil && *update.Email != oldEmail {
		if _, taken := r.byEmail[*update.Email]; taken {
			return nil, identity.ErrEmailExists
		}
	}

	update.Apply(&user)
	if user.Email != oldEmail {
		delete(r.byEmail, oldEmail)
		r.byEmail[user.Email] = id
	}
	r.byID[id] = user

	return &user, nil
}

// DeleteUser removes the user with id.
func (r *Repository) DeleteUser(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byID[id]
	if !ok {
		return identity.ErrUserNotFound
	}
	delete(r.byID, id)
	delete(r.byEmail, user.Email)
	return nil
}

// Ping always succeeds.
func (r *Repository) Ping(context.Context) error {
	return nil
}
