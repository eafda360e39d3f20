package identity

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bissquit/acquisitions/internal/domain"
	"github.com/bissquit/acquisitions/internal/pkg/ctxlog"
	"github.com/bissquit/acquisitions/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errInvalidJSON = errors.New("invalid json body")

// Handler handles HTTP requests for the identity module.
type Handler struct {
	service   *Service
	validator *validator.Validate
	cookies   CookieAdapter
}

// NewHandler creates a new identity handler.
func NewHandler(service *Service, cookies CookieAdapter) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
		cookies:   cookies,
	}
}

// RegisterRoutes registers the auth routes. /auth/me expects
// OptionalAuthMiddleware earlier in the chain.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", h.Signup)
		r.Post("/signin", h.Signin)
		r.Post("/signout", h.Signout)
		r.With(httputil.RequireAuth).Get("/me", h.Me)
	})
}

// RegisterAdminRoutes registers user management routes.
// The caller is responsible for restricting them to admins.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.Get("/", h.ListUsers)
		r.Get("/{id}", h.GetUser)
		r.Patch("/{id}", h.UpdateUser)
		r.Delete("/{id}", h.DeleteUser)
	})
}

// SignupRequest represents signup request body.
type SignupRequest struct {
	Name     string      `json:"name" validate:"required,min=3,max=255"`
	Email    string      `json:"email" validate:"required,email,max=255"`
	Password string      `json:"password" validate:"required,min=6,max=72"`
	Role     domain.Role `json:"role" validate:"omitempty,oneof=user admin"`
}

// SigninRequest represents signin request body.
type SigninRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// UpdateUserRequest represents a partial user update.
type UpdateUserRequest struct {
	Name     *string      `json:"name" validate:"omitempty,min=3,max=255"`
	Email    *string      `json:"email" validate:"omitempty,email,max=255"`
	Password *string      `json:"password" validate:"omitempty,min=6,max=72"`
	Role     *domain.Role `json:"role" validate:"omitempty,oneof=user admin"`
}

// UserResponse is the public view of a user in auth responses.
type UserResponse struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Email string      `json:"email"`
	Role  domain.Role `json:"role"`
}

// AuthResponse is returned by signup and signin.
type AuthResponse struct {
	Message string       `json:"message"`
	User    UserResponse `json:"user"`
	Token   string       `json:"token"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type userEnvelope struct {
	User *domain.User `json:"user"`
}

type usersEnvelope struct {
	Users []domain.User `json:"users"`
}

// Signup handles POST /auth/signup.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.ValidationError(w, errInvalidJSON)
		return
	}

	req.Email = NormalizeEmail(req.Email)
	req.Name = NormalizeName(req.Name)
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	user, err := h.service.Register(r.Context(), RegisterInput(req))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.respondWithSession(w, r, http.StatusCreated, "User registered successfully", user)
}

// Signin handles POST /auth/signin.
func (h *Handler) Signin(w http.ResponseWriter, r *http.Request) {
	var req SigninRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.ValidationError(w, errInvalidJSON)
		return
	}

	req.Email = NormalizeEmail(req.Email)
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	user, err := h.service.Signin(r.Context(), SigninInput(req))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.respondWithSession(w, r, http.StatusOK, "Login successful", user)
}

// Signout handles POST /auth/signout.
// It always succeeds and clears the session cookie, whatever the cookie holds.
func (h *Handler) Signout(w http.ResponseWriter, r *http.Request) {
	if token, ok := h.cookies.Read(r, SessionCookieName); ok {
		claims, err := h.service.VerifyToken(r.Context(), token)
		if err != nil {
			ctxlog.FromContext(r.Context()).Debug("signout with unusable token", "error", err)
		} else if err := h.service.Signout(r.Context(), claims.UserID); err != nil {
			ctxlog.FromContext(r.Context()).Warn("signout error", "error", err)
		}
	}

	h.cookies.Clear(w, SessionCookieName)
	httputil.JSON(w, http.StatusOK, messageResponse{Message: "Signed out successfully"})
}

// Me handles GET /auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.GetUser(r.Context(), httputil.GetUserID(r.Context()))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Token outlived its account.
			httputil.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, userEnvelope{User: user})
}

// ListUsers handles GET /users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, usersEnvelope{Users: users})
}

// GetUser handles GET /users/{id}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, userEnvelope{User: user})
}

// UpdateUser handles PATCH /users/{id}.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.ValidationError(w, errInvalidJSON)
		return
	}

	if req.Email != nil {
		email := NormalizeEmail(*req.Email)
		req.Email = &email
	}
	if req.Name != nil {
		name := NormalizeName(*req.Name)
		req.Name = &name
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	user, err := h.service.UpdateUser(r.Context(), chi.URLParam(r, "id"), UpdateInput(req))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, userEnvelope{User: user})
}

// DeleteUser handles DELETE /users/{id}.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, messageResponse{Message: "User deleted successfully"})
}

func (h *Handler) respondWithSession(w http.ResponseWriter, r *http.Request, status int, message string, user *domain.User) {
	token, err := h.service.IssueToken(r.Context(), user)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.cookies.Attach(w, SessionCookieName, token)
	httputil.JSON(w, status, AuthResponse{
		Message: message,
		User: UserResponse{
			ID:    user.ID,
			Name:  user.Name,
			Email: user.Email,
			Role:  user.Role,
		},
		Token: token,
	})
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrValidation) {
		httputil.ValidationError(w, err)
		return
	}

	httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
		{Error: ErrEmailExists, Status: http.StatusConflict, Message: "User with this email already exists"},
		{Error: ErrInvalidCredentials, Status: http.StatusUnauthorized, Message: "Invalid email or password"},
		{Error: ErrInvalidToken, Status: http.StatusUnauthorized, Message: "unauthorized"},
		{Error: ErrUserNotFound, Status: http.StatusNotFound, Message: "User not found"},
	})
}
