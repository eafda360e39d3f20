package identity

import (
	"context"

	"github.com/bissquit/acquisitions/internal/domain"
)

// Repository defines the interface for credential store operations.
//
// Implementations must enforce email uniqueness atomically: CreateUser and an
// UpdateUser that changes the email return ErrEmailExists when another record
// already owns the address. CreateUser returns ErrUserExists when the id is
// taken.
type Repository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	UpdateUser(ctx context.Context, id string, update domain.UserUpdate) (*domain.User, error)
	DeleteUser(ctx context.Context, id string) error
}
