// Package identity implements user registration, signin, signout and session
// tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bissquit/acquisitions/internal/audit"
	"github.com/bissquit/acquisitions/internal/domain"
	"github.com/bissquit/acquisitions/internal/pkg/ctxlog"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Field limits shared by the service and the HTTP schemas.
const (
	NameMinLength     = 3
	NameMaxLength     = 255
	EmailMaxLength    = 255
	PasswordMinLength = 6
	PasswordMaxLength = 72
)

// Claims is the verified content of a session token.
type Claims struct {
	UserID    string
	Name      string
	Email     string
	Role      domain.Role
	ExpiresAt time.Time
}

// TokenIssuer issues and verifies session tokens.
type TokenIssuer interface {
	Issue(ctx context.Context, user *domain.User) (string, error)
	// Verify returns ErrInvalidToken for any token that is malformed, forged
	// or expired.
	Verify(ctx context.Context, token string) (*Claims, error)
}

// EventPublisher receives lifecycle events. Publishing errors never fail the
// operation that produced the event.
type EventPublisher interface {
	Publish(ctx context.Context, event audit.Event) error
}

// Service implements identity business logic.
type Service struct {
	repo   Repository
	hasher PasswordHasher
	tokens TokenIssuer
	events EventPublisher
	now    func() time.Time
	newID  func() (string, error)

	dummyOnce sync.Once
	dummyHash string
}

// NewService creates a new identity service. events may be nil.
func NewService(repo Repository, hasher PasswordHasher, tokens TokenIssuer, events EventPublisher) *Service {
	return &Service{
		repo:   repo,
		hasher: hasher,
		tokens: tokens,
		events: events,
		now:    time.Now,
		newID:  newUserID,
	}
}

// RegisterInput contains data for user registration.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Role     domain.Role
}

// SigninInput contains data for signin.
type SigninInput struct {
	Email    string
	Password string
}

// UpdateInput contains a partial user update. Nil fields are left unchanged.
type UpdateInput struct {
	Name     *string
	Email    *string
	Password *string
	Role     *domain.Role
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*domain.User, error) {
	logger := ctxlog.FromContext(ctx)

	name := NormalizeName(input.Name)
	email := NormalizeEmail(input.Email)
	role := input.Role
	if role == "" {
		role = domain.RoleUser
	}

	if name == "" || email == "" || input.Password == "" {
		logger.Warn("missing required registration fields")
		recordAuthAttempt(opRegister, outcomeValidation)
		return nil, fmt.Errorf("%w: name, email and password are required", ErrValidation)
	}
	if !role.IsValid() {
		recordAuthAttempt(opRegister, outcomeValidation)
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}

	_, err := s.repo.GetUserByEmail(ctx, email)
	if err == nil {
		logger.Warn("user with email already exists", "email", email)
		recordAuthAttempt(opRegister, outcomeDuplicate)
		return nil, ErrEmailExists
	}
	if !errors.Is(err, ErrUserNotFound) {
		recordAuthAttempt(opRegister, outcomeError)
		return nil, fmt.Errorf("check email: %w", err)
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		recordAuthAttempt(opRegister, outcomeError)
		return nil, err
	}

	id, err := s.newID()
	if err != nil {
		recordAuthAttempt(opRegister, outcomeError)
		return nil, fmt.Errorf("generate user id: %w", err)
	}

	now := s.now().UTC()
	user := &domain.User{
		ID:           id,
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrEmailExists) {
			// Lost the race against a concurrent signup; the store caught it.
			logger.Warn("concurrent registration with same email", "email", email)
			recordAuthAttempt(opRegister, outcomeDuplicate)
			return nil, ErrEmailExists
		}
		recordAuthAttempt(opRegister, outcomeError)
		return nil, fmt.Errorf("create user: %w", err)
	}

	logger.Info("user created", "user_id", user.ID, "email", user.Email)
	recordAuthAttempt(opRegister, outcomeSuccess)
	s.publish(ctx, audit.EventUserRegistered, user)

	return user.WithoutPassword(), nil
}

// Signin authenticates a user by email and password.
// Unknown email and wrong password both return ErrInvalidCredentials.
func (s *Service) Signin(ctx context.Context, input SigninInput) (*domain.User, error) {
	logger := ctxlog.FromContext(ctx)
	email := NormalizeEmail(input.Email)

	if email == "" || input.Password == "" {
		recordAuthAttempt(opSignin, outcomeValidation)
		return nil, fmt.Errorf("%w: email and password are required", ErrValidation)
	}

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Spend the same bcrypt work as a real comparison.
			_, _ = s.hasher.Compare(s.dummy(), input.Password)
			logger.Warn("sign-in attempt with non-existent email", "email", email)
			recordAuthAttempt(opSignin, outcomeInvalidCredentials)
			return nil, ErrInvalidCredentials
		}
		recordAuthAttempt(opSignin, outcomeError)
		return nil, fmt.Errorf("get user by email: %w", err)
	}

	ok, err := s.hasher.Compare(user.PasswordHash, input.Password)
	if err != nil {
		recordAuthAttempt(opSignin, outcomeError)
		return nil, err
	}
	if !ok {
		logger.Warn("invalid password attempt", "email", email)
		recordAuthAttempt(opSignin, outcomeInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	logger.Info("user signed in", "user_id", user.ID)
	recordAuthAttempt(opSignin, outcomeSuccess)
	s.publish(ctx, audit.EventUserSignedIn, user)

	return user.WithoutPassword(), nil
}

// Signout records that a user ended their session.
// Issued tokens stay valid until they expire.
func (s *Service) Signout(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}

	ctxlog.FromContext(ctx).Info("user signed out", "user_id", userID)
	recordAuthAttempt(opSignout, outcomeSuccess)
	s.publish(ctx, audit.EventUserSignedOut, &domain.User{ID: userID})

	return nil
}

// IssueToken issues a session token for user.
func (s *Service) IssueToken(ctx context.Context, user *domain.User) (string, error) {
	token, err := s.tokens.Issue(ctx, user)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

// VerifyToken verifies a session token.
func (s *Service) VerifyToken(ctx context.Context, token string) (*Claims, error) {
	return s.tokens.Verify(ctx, token)
}

// ValidateToken verifies token and returns the caller identity.
func (s *Service) ValidateToken(ctx context.Context, token string) (string, domain.Role, error) {
	claims, err := s.tokens.Verify(ctx, token)
	if err != nil {
		return "", "", err
	}
	return claims.UserID, claims.Role, nil
}

// GetUser retrieves a user by ID.
func (s *Service) GetUser(ctx context.Context, id string) (*domain.User, error) {
	user, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return user.WithoutPassword(), nil
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	return users, nil
}

// UpdateUser applies a partial update to a user.
func (s *Service) UpdateUser(ctx context.Context, id string, input UpdateInput) (*domain.User, error) {
	update := domain.UserUpdate{UpdatedAt: s.now().UTC()}

	if input.Name != nil {
		name := NormalizeName(*input.Name)
		if n := utf8.RuneCountInString(name); n < NameMinLength || n > NameMaxLength {
			return nil, fmt.Errorf("%w: name must be %d-%d characters", ErrValidation, NameMinLength, NameMaxLength)
		}
		update.Name = &name
	}
	if input.Email != nil {
		email := NormalizeEmail(*input.Email)
		if email == "" {
			return nil, fmt.Errorf("%w: email must not be empty", ErrValidation)
		}
		update.Email = &email
	}
	if input.Role != nil {
		if !input.Role.IsValid() {
			return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, *input.Role)
		}
		role := *input.Role
		update.Role = &role
	}
	if input.Password != nil {
		hash, err := s.hasher.Hash(*input.Password)
		if err != nil {
			return nil, err
		}
		update.PasswordHash = &hash
	}

	if update.IsEmpty() {
		return nil, fmt.Errorf("%w: no fields to update", ErrValidation)
	}

	user, err := s.repo.UpdateUser(ctx, id, update)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrEmailExists) {
			return nil, err
		}
		return nil, fmt.Errorf("update user: %w", err)
	}

	ctxlog.FromContext(ctx).Info("user updated", "user_id", id)
	s.publish(ctx, audit.EventUserUpdated, user)

	return user.WithoutPassword(), nil
}

// DeleteUser removes a user.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	if err := s.repo.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("delete user: %w", err)
	}

	ctxlog.FromContext(ctx).Info("user deleted", "user_id", id)
	s.publish(ctx, audit.EventUserDeleted, &domain.User{ID: id})

	return nil
}

func (s *Service) publish(ctx context.Context, eventType audit.EventType, user *domain.User) {
	if s.events == nil {
		return
	}

	event := audit.Event{
		Type:       eventType,
		UserID:     user.ID,
		Email:      user.Email,
		Role:       user.Role,
		OccurredAt: s.now().UTC(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to publish audit event",
			"type", eventType,
			"user_id", user.ID,
			"error", err,
		)
	}
}

// dummy returns a valid hash used to equalize signin timing for unknown emails.
func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash("acquisitions-timing-placeholder")
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(email))
}

// NormalizeName trims a display name and converts it to NFC.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

func newUserID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
