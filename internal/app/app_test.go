package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bissquit/acquisitions/api/openapi"
	"github.com/bissquit/acquisitions/internal/config"
	"github.com/bissquit/acquisitions/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testValidator *testutil.OpenAPIValidator

func TestMain(m *testing.M) {
	v, err := testutil.LoadOpenAPIValidator(openapi.Document)
	if err != nil {
		log.Fatalf("load openapi validator: %v", err)
	}
	testValidator = v

	os.Exit(m.Run())
}

// testConfig returns a memory-backed configuration with quotas large enough
// that admission never interferes unless a test lowers them.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Env = config.EnvTest
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"
	cfg.Log.Level = "error"
	cfg.Log.Format = "text"
	cfg.JWT.SecretKey = "test-secret-key"
	cfg.Admission.GuestLimit = 1000
	cfg.Admission.UserLimit = 1000
	cfg.Admission.AdminLimit = 1000
	cfg.Admission.BotAllowList = append(cfg.Admission.BotAllowList, "go-http-client")
	return cfg
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	application, err := New(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(application.Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Shutdown(ctx)
	})
	return srv
}

func newClient(t *testing.T, srv *httptest.Server) *testutil.Client {
	t.Helper()
	client := testutil.NewClientWithValidator(srv.URL, testValidator)
	client.SetT(t)
	return client
}

func rawGet(t *testing.T, srv *httptest.Server, path, userAgent string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", userAgent)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestServiceRoutes(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newClient(t, srv)

	resp, err := client.GET("/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from acquisitions app", testutil.ReadBody(t, resp))

	resp, err = client.GET("/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	testutil.DecodeJSON(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.GreaterOrEqual(t, health.Uptime, 0.0)
	_, err = time.Parse(time.RFC3339, health.Timestamp)
	assert.NoError(t, err)

	resp, err = client.GET("/api")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, "Acquisition API is running!", body["message"])
}

func TestAuthFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newClient(t, srv)

	signup := client.Signup(t, "Jane Doe", "Jane@Example.com", "password123", "")
	assert.Equal(t, "User registered successfully", signup.Message)
	assert.Equal(t, "jane@example.com", signup.User.Email)
	assert.Equal(t, "user", signup.User.Role)
	assert.NotEmpty(t, signup.Token)

	cookie := client.SessionCookie()
	require.NotNil(t, cookie)
	assert.Equal(t, signup.Token, cookie.Value)

	resp, err := client.GET("/api/auth/me")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me struct {
		User struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
	}
	testutil.DecodeJSON(t, resp, &me)
	assert.Equal(t, signup.User.ID, me.User.ID)

	resp, err = client.POST("/api/auth/signout", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, testutil.ReadBody(t, resp), "Signed out successfully")
	assert.Nil(t, client.SessionCookie())

	resp, err = client.GET("/api/auth/me")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	signin := client.Signin(t, "jane@example.com", "password123")
	assert.Equal(t, "Login successful", signin.Message)
	assert.Equal(t, signup.User.ID, signin.User.ID)
	assert.NotNil(t, client.SessionCookie())
}

func TestSignout_TokenRemainsValid(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newClient(t, srv)

	signup := client.Signup(t, "Jane Doe", "jane@example.com", "password123", "")

	resp, err := client.POST("/api/auth/signout", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	bearer := newClient(t, srv)
	bearer.Token = signup.Token

	resp, err = bearer.GET("/api/auth/me")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "tokens are stateless and survive signout")
	_ = resp.Body.Close()
}

func TestSignin_Failures(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newClient(t, srv)
	client.Signup(t, "Jane Doe", "jane@example.com", "password123", "")
	client.ClearToken()

	resp, err := client.POST("/api/auth/signin", map[string]string{"email": "jane@example.com", "password": "wrong-password"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	wrongPassword := testutil.ReadBody(t, resp)

	resp, err = client.POST("/api/auth/signin", map[string]string{"email": "nobody@example.com", "password": "password123"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	unknownEmail := testutil.ReadBody(t, resp)

	assert.Equal(t, wrongPassword, unknownEmail)
	assert.Contains(t, wrongPassword, "Invalid email or password")

	resp, err = client.POST("/api/auth/signin", map[string]string{"email": "not-an-email"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSignup_Duplicate(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newClient(t, srv)
	client.Signup(t, "Jane Doe", "jane@example.com", "password123", "")

	resp, err := client.POST("/api/auth/signup", map[string]string{
		"name":     "Another Jane",
		"email":    "JANE@example.com",
		"password": "password456",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, testutil.ReadBody(t, resp), "User with this email already exists")
}

func TestAdminUserManagement(t *testing.T) {
	srv := newTestServer(t, nil)

	member := newClient(t, srv)
	user := member.Signup(t, "Jane Doe", "jane@example.com", "password123", "")

	resp, err := member.GET("/api/users")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	admin := newClient(t, srv)
	admin.Signup(t, "Ada Admin", "ada@example.com", "password123", "admin")

	resp, err = admin.GET("/api/users")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Users []struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"users"`
	}
	testutil.DecodeJSON(t, resp, &list)
	require.Len(t, list.Users, 2)
	assert.Equal(t, "jane@example.com", list.Users[0].Email)

	resp, err = admin.PATCH("/api/users/"+user.User.ID, map[string]string{"role": "admin", "name": "Jane Admin"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated struct {
		User struct {
			Name string `json:"name"`
			Role string `json:"role"`
		} `json:"user"`
	}
	testutil.DecodeJSON(t, resp, &updated)
	assert.Equal(t, "Jane Admin", updated.User.Name)
	assert.Equal(t, "admin", updated.User.Role)

	resp, err = admin.PATCH("/api/users/"+user.User.ID, map[string]string{"email": "ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = admin.DELETE("/api/users/" + user.User.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, testutil.ReadBody(t, resp), "User deleted successfully")

	resp, err = admin.GET("/api/users/" + user.User.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	// The deleted user's token still verifies, but the account is gone.
	resp, err = member.GET("/api/auth/me")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAdmission_GuestQuota(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Admission.GuestLimit = 5
		cfg.Admission.UserLimit = 10
	})
	client := newClient(t, srv)

	for i := 0; i < 4; i++ {
		resp, err := client.GET("/api")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
		_ = resp.Body.Close()
	}

	// The fifth guest request is the signup itself.
	client.Signup(t, "Jane Doe", "jane@example.com", "password123", "")

	guest := newClient(t, srv)
	resp, err := guest.GET("/api")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	var denied map[string]string
	testutil.DecodeJSON(t, resp, &denied)
	assert.Equal(t, "forbidden", denied["error"])
	assert.Equal(t, "Guest rate limit exceeded (5 requests per minute)", denied["message"])

	// The signed-in caller is counted against the user quota.
	resp, err = client.GET("/api")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func getForwardedFor(t *testing.T, srv *httptest.Server, path, forwardedFor string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("X-Forwarded-For", forwardedFor)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestAdmission_ForwardedForIgnoredFromUntrustedPeer(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Admission.GuestLimit = 5
	})

	for i := 1; i <= 5; i++ {
		resp := getForwardedFor(t, srv, "/api", fmt.Sprintf("10.0.0.%d", i))
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
		_ = resp.Body.Close()
	}

	resp := getForwardedFor(t, srv, "/api", "10.0.0.6")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, testutil.ReadBody(t, resp), "Guest rate limit exceeded")
}

func TestAdmission_ForwardedForHonoredFromTrustedProxy(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Admission.GuestLimit = 2
		cfg.Server.TrustedProxies = []string{"127.0.0.0/8", "::1"}
	})

	for i := 0; i < 2; i++ {
		resp := getForwardedFor(t, srv, "/api", "198.51.100.1")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	resp := getForwardedFor(t, srv, "/api", "198.51.100.1")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	// A different client behind the same proxy has its own window.
	resp = getForwardedFor(t, srv, "/api", "198.51.100.2")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAdmission_BotsAndShield(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := rawGet(t, srv, "/api", "curl/8.5.0")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, testutil.ReadBody(t, resp), "Guest bot request blocked")

	resp = rawGet(t, srv, "/api", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	resp = rawGet(t, srv, "/api", "Mozilla/5.0 (compatible; Googlebot/2.1)")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	client := newClient(t, srv)
	resp, err := client.GET("/api?q=%3Cscript%3Ealert(1)%3C/script%3E")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, testutil.ReadBody(t, resp), "Guest shield rule triggered")

	resp, err = client.POST("/api/auth/signup", map[string]string{
		"name":     "<script>alert(1)</script>",
		"email":    "jane@example.com",
		"password": "password123",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, testutil.ReadBody(t, resp), "Guest shield rule triggered")
}

func TestAdmission_DryRun(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Admission.Mode = "DRY_RUN"
		cfg.Admission.GuestLimit = 1
	})
	client := newClient(t, srv)

	for i := 0; i < 3; i++ {
		resp, err := client.GET("/api")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

func TestProbesBypassAdmission(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Admission.GuestLimit = 1
	})

	for _, path := range []string{"/healthz", "/readyz", "/version", "/healthz", "/readyz", "/version"} {
		resp := rawGet(t, srv, path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}

func TestOpenAPIDocumentServed(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := rawGet(t, srv, "/api/openapi.yaml", "Mozilla/5.0")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, testutil.ReadBody(t, resp), "openapi: 3.0.3")
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{
			name:   "unknown store",
			mutate: func(cfg *config.Config) { cfg.Store.Driver = "mongo" },
		},
		{
			name: "redis unavailable",
			mutate: func(cfg *config.Config) {
				cfg.Admission.Backend = config.BackendRedis
				cfg.Admission.Redis.URL = "redis://127.0.0.1:1/0"
				cfg.Admission.Redis.ConnectAttempts = 1
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)

			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}
