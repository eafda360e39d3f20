// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/bissquit/acquisitions/api/openapi"
	"github.com/bissquit/acquisitions/internal/admission"
	"github.com/bissquit/acquisitions/internal/audit"
	"github.com/bissquit/acquisitions/internal/config"
	"github.com/bissquit/acquisitions/internal/domain"
	"github.com/bissquit/acquisitions/internal/identity"
	"github.com/bissquit/acquisitions/internal/identity/dynamo"
	"github.com/bissquit/acquisitions/internal/identity/jwt"
	"github.com/bissquit/acquisitions/internal/identity/memory"
	identitypostgres "github.com/bissquit/acquisitions/internal/identity/postgres"
	"github.com/bissquit/acquisitions/internal/pkg/ctxlog"
	"github.com/bissquit/acquisitions/internal/pkg/httputil"
	"github.com/bissquit/acquisitions/internal/pkg/metrics"
	"github.com/bissquit/acquisitions/internal/pkg/postgres"
	"github.com/bissquit/acquisitions/internal/pkg/redisconn"
	"github.com/bissquit/acquisitions/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	// sweepMaxAge is how long idle admission state is kept.
	sweepMaxAge           = 10 * time.Minute
	defaultConnectTimeout = 30 * time.Second
)

// pinger is implemented by every credential store.
type pinger interface {
	Ping(ctx context.Context) error
}

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	started       time.Time
	store         identity.Repository
	db            *pgxpool.Pool
	redis         *redis.Client
	publisher     audit.Publisher
	proxies       []netip.Prefix
	server        *http.Server
	metricsServer *http.Server
	cancel        context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	bgCtx, cancel := context.WithCancel(context.Background())
	app := &App{
		config:  cfg,
		logger:  logger,
		started: time.Now(),
		cancel:  cancel,
	}

	if err := app.init(bgCtx); err != nil {
		_ = app.close()
		return nil, err
	}
	return app, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.config

	timeout := cfg.Database.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	connectCtx, connectCancel := context.WithTimeout(ctx, timeout)
	defer connectCancel()

	store, err := a.openStore(connectCtx)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	a.store = store

	counter, err := a.openCounter(connectCtx)
	if err != nil {
		return fmt.Errorf("open admission window: %w", err)
	}

	if a.db != nil || a.redis != nil {
		go a.collectPoolMetrics(ctx)
	}
	if window, ok := counter.(*admission.MemoryWindow); ok {
		go admission.RunSweeper(ctx, "window", window, cfg.Admission.SweepInterval, sweepMaxAge)
	}

	a.publisher = audit.NopPublisher{}
	if cfg.Audit.Enabled {
		publisher, err := audit.NewRabbitMQPublisher(audit.RabbitMQConfig{
			URL:   cfg.Audit.URL,
			Queue: cfg.Audit.Queue,
		})
		if err != nil {
			return fmt.Errorf("connect audit publisher: %w", err)
		}
		a.publisher = publisher
	}

	if cfg.UsingFallbackSecret() {
		a.logger.Warn("jwt secret is not set: using the development fallback secret")
	}
	tokens, err := jwt.NewAuthenticator(jwt.Config{
		SecretKey: cfg.TokenSecret(),
		TokenTTL:  cfg.JWT.TokenTTL,
		Issuer:    cfg.JWT.Issuer,
	})
	if err != nil {
		return fmt.Errorf("create token authenticator: %w", err)
	}

	shield := admission.NewPatternShield(cfg.Admission.ShieldRPS, cfg.Admission.ShieldBurst)
	go admission.RunSweeper(ctx, "shield", shield, cfg.Admission.SweepInterval, sweepMaxAge)

	engine := admission.NewLocalEngine(
		admission.NewUserAgentDetector(nil, cfg.Admission.BotAllowList),
		shield,
		counter,
	)
	gate := admission.NewMiddleware(engine, cfg.AdmissionPolicy())

	service := identity.NewService(store, identity.NewBcryptHasher(identity.DefaultBcryptCost), tokens, a.publisher)
	handler := identity.NewHandler(service, identity.CookieAdapter{
		Secure: cfg.IsProduction(),
		Domain: cfg.Cookie.Domain,
		MaxAge: cfg.Cookie.MaxAge,
	})

	a.logger.Info("application configured",
		"env", cfg.Env,
		"store", cfg.Store.Driver,
		"admission_backend", cfg.Admission.Backend,
		"admission_mode", cfg.Admission.Mode,
		"audit_enabled", cfg.Audit.Enabled,
	)

	proxies, err := httputil.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}
	a.proxies = proxies

	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           a.setupRouter(service, handler, gate),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	a.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return nil
}

func (a *App) openStore(ctx context.Context) (identity.Repository, error) {
	cfg := a.config

	switch cfg.Store.Driver {
	case config.StoreMemory:
		a.logger.Warn("using the in-memory credential store: users are lost on restart")
		return memory.NewRepository(), nil

	case config.StorePostgres:
		db, err := postgres.Connect(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectAttempts: cfg.Database.ConnectAttempts,
		})
		if err != nil {
			return nil, err
		}
		a.db = db
		return identitypostgres.NewRepository(db), nil

	case config.StoreDynamoDB:
		client, err := dynamo.NewClient(ctx, dynamo.ClientConfig{
			Region:          cfg.DynamoDB.Region,
			Endpoint:        cfg.DynamoDB.Endpoint,
			AccessKeyID:     cfg.DynamoDB.AccessKeyID,
			SecretAccessKey: cfg.DynamoDB.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return dynamo.NewRepository(client, dynamo.Tables{
			Users:  cfg.DynamoDB.UsersTable,
			Emails: cfg.DynamoDB.EmailsTable,
		}), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func (a *App) openCounter(ctx context.Context) (admission.Counter, error) {
	cfg := a.config.Admission

	if cfg.Backend == config.BackendRedis {
		client, err := redisconn.Connect(ctx, cfg.Redis.URL, cfg.Redis.ConnectAttempts)
		if err != nil {
			return nil, err
		}
		a.redis = client
		return admission.NewRedisWindow(client, cfg.Redis.Prefix), nil
	}

	return admission.NewMemoryWindow(), nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if err := a.close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// close stops background work and releases connections.
func (a *App) close() error {
	a.cancel()

	var errs []error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit publisher: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	return errors.Join(errs...)
}

func (a *App) collectPoolMetrics(ctx context.Context) {
	record := func() {
		if a.db != nil {
			metrics.RecordPostgresPool(a.db)
		}
		if a.redis != nil {
			metrics.RecordRedisPool(a.redis)
		}
	}
	record()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			record()
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter(service *identity.Service, handler *identity.Handler, gate *admission.Middleware) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(httputil.SecurityHeadersMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(httputil.RealIPMiddleware(a.proxies))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.config.Server.RequestTimeout))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		_, _ = w.Write(openapi.Document)
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>Acquisitions API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`))
	})

	// Everything below is admitted per caller role, so the optional
	// authentication step has to run first.
	r.Group(func(r chi.Router) {
		r.Use(httputil.OptionalAuthMiddleware(service))
		r.Use(gate.Handler)

		r.Get("/", a.rootHandler)
		r.Get("/health", a.healthHandler)

		r.Route("/api", func(r chi.Router) {
			r.Get("/", a.apiHandler)

			handler.RegisterRoutes(r)

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleAdmin))
				handler.RegisterAdminRoutes(r)
			})
		})
	})

	return r
}

func (a *App) rootHandler(w http.ResponseWriter, r *http.Request) {
	ctxlog.FromContext(r.Context()).Info("hello from acquisitions app")
	httputil.Text(w, http.StatusOK, "hello from acquisitions app")
}

type healthResponse struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}

func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Uptime:    time.Since(a.started).Seconds(),
	})
}

func (a *App) apiHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"message": "Acquisition API is running!"})
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	logger := ctxlog.FromContext(r.Context())

	if p, ok := a.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			logger.Error("readiness check failed", "dependency", "store", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Credential store unavailable")
			return
		}
	}

	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			logger.Error("readiness check failed", "dependency", "redis", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Admission store unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
