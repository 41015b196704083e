// Package app wires the components together in dependency order and owns
// their lifecycles: store, status cache, registry, dispatcher, transports.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"examhub/internal/api"
	"examhub/internal/cache"
	"examhub/internal/config"
	"examhub/internal/database"
	"examhub/internal/dispatch"
	"examhub/internal/registry"
	"examhub/internal/websocket"
	dbconfig "examhub/pkg/database"
)

type Application struct {
	config      *config.Config
	store       *database.Store
	statusCache *cache.StatusCache
	registry    *registry.Registry
	dispatcher  *dispatch.Dispatcher
	httpServer  *http.Server

	cancelCleanup context.CancelFunc
}

// NewApplication initializes every component. Order matters: the store and
// cache come up first, then the registry they back, then the dispatch and
// transport layers that feed it.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := database.NewStore(&dbconfig.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	if err := dbconfig.NewMigrationManager(store.GetDB()).ApplyMigrations(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	validator := dbconfig.NewSchemaValidator(store.GetDB())
	if err := validator.ValidateTablesExist(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	if err := validator.ValidateTableStructure(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	log.Println("Database migrations applied")

	var statusCache *cache.StatusCache
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		statusCache, err = cache.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		cancel()
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to connect status cache: %w", err)
		}
		log.Printf("Status cache connected: %s", cfg.Redis.Addr)
	}

	// The registry takes the cache through the sink interface; a nil
	// *StatusCache must stay a nil interface.
	var sink registry.StatusSink
	if statusCache != nil {
		sink = statusCache
	}

	reg := registry.New(store, sink, registry.Options{
		TickInterval:        cfg.Session.TickInterval,
		DefaultExamDuration: cfg.Session.DefaultExamDuration,
		AllowLateJoin:       cfg.Session.AllowLateJoin,
	})

	dispatcher := dispatch.New(reg)
	wsHandler := websocket.NewHandler(dispatcher, websocket.Options{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		SendBufferSize: cfg.WebSocket.BufferSize,
	})
	apiServer := api.NewServer(store, reg, statusReader(statusCache))

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		store:       store,
		statusCache: statusCache,
		registry:    reg,
		dispatcher:  dispatcher,
		httpServer:  httpServer,
	}, nil
}

// statusReader converts the optional cache to the API's interface without
// producing a typed nil.
func statusReader(c *cache.StatusCache) api.StatusReader {
	if c == nil {
		return nil
	}
	return c
}

// Start brings up the HTTP listener and the rate limiter cleanup loop.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting examhub on %s", app.httpServer.Addr)

	cleanupCtx, cancel := context.WithCancel(context.Background())
	app.cancelCleanup = cancel
	go app.dispatcher.CleanupLoop(cleanupCtx, time.Minute)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		cancel()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Println("examhub started")
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Stop shuts everything down in reverse order: stop accepting traffic, halt
// session tickers, then release the cache and store.
func (app *Application) Stop(ctx context.Context) error {
	log.Println("Stopping examhub")

	if app.cancelCleanup != nil {
		app.cancelCleanup()
	}

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.registry.Shutdown()

	if app.statusCache != nil {
		if err := app.statusCache.Close(); err != nil {
			log.Printf("Status cache close error: %v", err)
		}
	}

	if err := app.store.Close(); err != nil {
		return fmt.Errorf("failed to close session store: %w", err)
	}

	log.Println("examhub stopped")
	return nil
}
