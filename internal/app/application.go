// Package app wires every component from configuration and owns their
// startup and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"livesession/internal/api"
	"livesession/internal/archive"
	"livesession/internal/auth"
	"livesession/internal/config"
	"livesession/internal/database"
	"livesession/internal/events"
	"livesession/internal/hub"
	"livesession/internal/metrics"
	"livesession/internal/notify"
	"livesession/internal/presence"
	"livesession/internal/router"
	"livesession/internal/session"
	"livesession/internal/video"
	"livesession/internal/websocket"
)

var log = logrus.WithField("component", "app")

// rateLimiterCleanupInterval is how often idle per-user buckets are pruned.
const rateLimiterCleanupInterval = time.Minute

// connectionDrainTimeout bounds how long Stop waits for closed sockets to
// finish their disconnect handling.
const connectionDrainTimeout = 2 * time.Second

// Application coordinates all system components.
// Initialization order: stores -> presence -> directory -> dispatcher ->
// sessions -> router -> hub -> HTTP
type Application struct {
	config     *config.Config
	db         *database.Manager
	redis      redis.UniversalClient
	publisher  events.Publisher
	archiver   *archive.MongoArchiver
	metrics    *metrics.Metrics
	verifier   *auth.Verifier
	presence   *presence.Registry
	directory  *websocket.Registry
	dispatcher *notify.Dispatcher
	sessions   *session.Manager
	router     *router.Router
	hub        *hub.Hub
	handler    http.Handler
	httpServer *http.Server
	cancel     context.CancelFunc
}

// NewApplication builds every component. Nothing runs until Start.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{config: cfg}
	if err := app.init(); err != nil {
		app.closeBackends()
		return nil, err
	}
	return app, nil
}

func (app *Application) init() error {
	cfg := app.config

	// STEP 1: durable store
	db, err := database.NewManager(cfg.DatabaseConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize database manager: %w", err)
	}
	app.db = db
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}
	log.Info("Database migrations applied successfully")

	// STEP 2: shared backends
	if cfg.UsesRedis() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		app.redis = redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
	}

	app.publisher, err = events.New(cfg.Events)
	if err != nil {
		return fmt.Errorf("failed to initialize event publisher: %w", err)
	}

	if cfg.Archive.Enabled {
		app.archiver, err = archive.Connect(context.Background(), cfg.Archive)
		if err != nil {
			return fmt.Errorf("failed to initialize session archive: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		app.metrics = metrics.New()
	}

	// STEP 3: presence, directory and notifications
	var presenceOpts []presence.Option
	if cfg.Presence.RecordToDB {
		presenceOpts = append(presenceOpts, presence.WithRecorder(db))
	}
	app.presence = presence.NewRegistry(app.presenceBackend(), presence.Config{
		ActiveWindow:    cfg.Presence.ActiveWindow,
		HardTimeout:     cfg.Presence.HardTimeout,
		CleanupInterval: cfg.Presence.CleanupInterval,
	}, presenceOpts...)

	app.directory = websocket.NewRegistry()
	app.dispatcher = notify.NewDispatcher(app.directory, app.presence, app.notificationQueue(), app.metrics)

	// STEP 4: session lifecycle
	sessionOpts := []session.Option{
		session.WithNotifier(app.dispatcher),
		session.WithPresence(app.presence),
		session.WithPublisher(app.publisher),
		session.WithMetrics(app.metrics),
		session.WithPolicy(session.Policy{
			AllowConcurrentHostSessions:    cfg.Sessions.AllowConcurrentHostSessions,
			AllowMultiSessionParticipation: cfg.Sessions.AllowMultiSessionParticipation,
		}),
	}
	if app.archiver != nil {
		sessionOpts = append(sessionOpts, session.WithArchiver(app.archiver))
	}
	app.sessions = session.NewManager(app.sessionStore(), db, sessionOpts...)

	// STEP 5: socket routing and connection lifecycle
	app.router = router.NewRouter(app.sessions, app.presence, app.dispatcher, router.Config{
		HostRoles:     cfg.Sessions.HostRoles,
		RatePerSecond: cfg.RateLimit.PerSecond,
		RateBurst:     cfg.RateLimit.Burst,
	}, app.metrics)

	hubConfig := hub.DefaultConfig()
	hubConfig.DeliverOnConnect = cfg.Notifications.DeliverOnConnect
	app.hub = hub.NewHub(app.directory, app.presence, app.dispatcher, app.sessions, app.metrics, hubConfig)

	// STEP 6: HTTP surface
	app.verifier = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	wsHandler := websocket.NewHandler(app.verifier, app.hub, app.router, app.presence, websocket.HandlerConfig{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	deps := api.Deps{
		Sessions:   app.sessions,
		Presence:   app.presence,
		Notifier:   app.dispatcher,
		Identities: app.verifier,
		Video:      video.NewIssuer(cfg.Video),
		Health:     db,
		Directory:  app.directory,
		WebSocket:  http.HandlerFunc(wsHandler.HandleWebSocket),
	}
	if app.metrics != nil {
		deps.Metrics = app.metrics.Handler()
	}
	app.handler = api.NewServer(deps, api.Config{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		HostRoles:      cfg.Sessions.HostRoles,
		MetricsPath:    cfg.Metrics.Path,
	})

	app.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      app.handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return nil
}

func (app *Application) presenceBackend() presence.Backend {
	if app.config.Presence.Backend == config.BackendRedis {
		return presence.NewRedisBackend(app.redis, presence.DefaultRedisKey)
	}
	return presence.NewMemoryBackend()
}

func (app *Application) notificationQueue() notify.Queue {
	switch app.config.Notifications.Backend {
	case config.BackendRedis:
		return notify.NewRedisQueue(app.redis)
	case config.BackendMemory:
		return notify.NewMemoryQueue()
	default:
		return notify.NewDatabaseQueue(app.db)
	}
}

func (app *Application) sessionStore() session.Store {
	if app.config.Sessions.Backend == config.BackendRedis {
		return session.NewRedisStore(app.redis)
	}
	return session.NewMemoryStore()
}

// Handler is the full HTTP surface, including /ws.
func (app *Application) Handler() http.Handler {
	return app.handler
}

// Addr returns the configured listen address.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}

// startComponents restores live sessions and launches the background loops.
func (app *Application) startComponents(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	restored, err := app.sessions.LoadActiveSessions(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to load active sessions: %w", err)
	}
	log.WithField("restored", restored).Info("Active sessions loaded")

	if err := app.hub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start hub: %w", err)
	}
	go app.presence.Run(runCtx)
	go app.router.RunCleanup(runCtx, rateLimiterCleanupInterval)
	return nil
}

// Start launches the background loops then the HTTP listener. It returns
// once the listener is up or failed.
func (app *Application) Start(ctx context.Context) error {
	log.WithField("addr", app.httpServer.Addr).Info("Starting livesession")

	if err := app.startComponents(ctx); err != nil {
		return err
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.stopComponents()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Info("livesession started successfully")
		return nil
	case <-ctx.Done():
		app.stopComponents()
		return ctx.Err()
	}
}

// Stop shuts down in reverse order: HTTP, sockets, loops, backends.
// Shutdown does not touch hijacked connections, so every socket is closed
// here while the hub can still process its disconnect.
func (app *Application) Stop(ctx context.Context) error {
	log.Info("Shutting down livesession")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	app.closeConnections(ctx)
	app.stopComponents()
	errs = append(errs, app.closeBackends()...)

	log.Info("livesession shutdown complete")
	return errors.Join(errs...)
}

// closeConnections closes every live socket and waits until their reader
// goroutines have unregistered them.
func (app *Application) closeConnections(ctx context.Context) {
	conns := app.directory.All()
	if len(conns) == 0 {
		return
	}
	log.WithField("connections", len(conns)).Info("Closing live connections")
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			log.WithError(err).WithField("connection_id", conn.GetConnectionID()).Debug("Connection close error")
		}
	}

	deadline := time.NewTimer(connectionDrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for app.directory.GetStats()["total_connections"] > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.WithField("remaining", app.directory.GetStats()["total_connections"]).Warn("Connections still open at shutdown")
			return
		case <-ticker.C:
		}
	}
}

// stopComponents stops the hub before cancelling the run context so Stop
// can wait for the loop to finish its current event.
func (app *Application) stopComponents() {
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.WithError(err).Warn("Hub shutdown error")
	}
	if app.cancel != nil {
		app.cancel()
	}
}

func (app *Application) closeBackends() []error {
	var errs []error
	if app.publisher != nil {
		if err := app.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher: %w", err))
		}
	}
	if app.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.archiver.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errs
}
