//go:build integration

package postgres

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/acquisitions/internal/domain"
	"github.com/bissquit/acquisitions/internal/identity"
	pgutil "github.com/bissquit/acquisitions/internal/pkg/postgres"
	"github.com/bissquit/acquisitions/internal/testutil"
	"github.com/bissquit/acquisitions/migrations"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	if err := pgutil.Migrate(migrations.FS, container.ConnectionString, pgutil.Up); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	testDB, err = pgutil.Connect(ctx, pgutil.Config{
		URL:             container.ConnectionString,
		MaxOpenConns:    5,
		ConnectAttempts: 3,
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	code := m.Run()

	testDB.Close()
	if err := container.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}
	os.Exit(code)
}

func newTestUser(t *testing.T, email string) *domain.User {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.User{
		ID:           id.String(),
		Name:         "Test User",
		Email:        email,
		PasswordHash: "$2a$10$hash",
		Role:         domain.RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func uniqueEmail() string {
	return uuid.NewString() + "@example.com"
}

func TestRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)
	user := newTestUser(t, uniqueEmail())

	require.NoError(t, repo.CreateUser(ctx, user))

	byID, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user, byID)

	byEmail, err := repo.GetUserByEmail(ctx, user.Email)
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)

	_, err = repo.GetUserByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
	_, err = repo.GetUserByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestRepository_DuplicateEmail(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)
	email := uniqueEmail()
	require.NoError(t, repo.CreateUser(ctx, newTestUser(t, email)))

	err := repo.CreateUser(ctx, newTestUser(t, email))
	assert.ErrorIs(t, err, identity.ErrEmailExists)
}

func TestRepository_DuplicateID(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)
	user := newTestUser(t, uniqueEmail())
	require.NoError(t, repo.CreateUser(ctx, user))

	clash := newTestUser(t, uniqueEmail())
	clash.ID = user.ID
	assert.ErrorIs(t, repo.CreateUser(ctx, clash), identity.ErrUserExists)
}

func TestRepository_ConcurrentSignups(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)
	email := uniqueEmail()

	var created, duplicates atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.CreateUser(ctx, newTestUser(t, email))
			switch {
			case err == nil:
				created.Add(1)
			case assert.ErrorIs(t, err, identity.ErrEmailExists):
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(9), duplicates.Load())
}

func TestRepository_UpdateUser(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)
	user := newTestUser(t, uniqueEmail())
	require.NoError(t, repo.CreateUser(ctx, user))
	other := newTestUser(t, uniqueEmail())
	require.NoError(t, repo.CreateUser(ctx, other))

	name := "Renamed"
	role := domain.RoleAdmin
	later := user.UpdatedAt.Add(time.Hour)
	updated, err := repo.UpdateUser(ctx, user.ID, domain.UserUpdate{Name: &name, Role: &role, UpdatedAt: later})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, domain.RoleAdmin, updated.Role)
	assert.Equal(t, user.Email, updated.Email, "untouched fields keep their value")
	assert.Equal(t, user.PasswordHash, updated.PasswordHash)
	assert.True(t, later.Equal(updated.UpdatedAt))

	_, err = repo.UpdateUser(ctx, user.ID, domain.UserUpdate{Email: &other.Email, UpdatedAt: later})
	assert.ErrorIs(t, err, identity.ErrEmailExists)

	_, err = repo.UpdateUser(ctx, uuid.NewString(), domain.UserUpdate{Name: &name, UpdatedAt: later})
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestRepository_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)
	user := newTestUser(t, uniqueEmail())
	require.NoError(t, repo.CreateUser(ctx, user))

	users, err := repo.ListUsers(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, users)

	require.NoError(t, repo.DeleteUser(ctx, user.ID))
	assert.ErrorIs(t, repo.DeleteUser(ctx, user.ID), identity.ErrUserNotFound)
	_, err = repo.GetUserByEmail(ctx, user.Email)
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
}
