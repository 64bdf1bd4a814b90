package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dukapos-offline-core/internal/bus"
	"dukapos-offline-core/internal/cache"
	"dukapos-offline-core/internal/config"
	"dukapos-offline-core/internal/connectivity"
	"dukapos-offline-core/internal/domain"
	"dukapos-offline-core/internal/engine"
	"dukapos-offline-core/internal/handler"
	"dukapos-offline-core/internal/idgen"
	"dukapos-offline-core/internal/middleware"
	"dukapos-offline-core/internal/records"
	"dukapos-offline-core/internal/remote"
	kvstore "dukapos-offline-core/internal/store"
	"dukapos-offline-core/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	couchURL := fmt.Sprintf("http://%s:%s@%s:%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
	)

	client, err := kivik.New("couch", couchURL)
	if err != nil {
		log.Fatalf("Failed to connect to local store: %v", err)
	}

	exists, err := client.DBExists(context.Background(), cfg.Database.Name)
	if err != nil {
		log.Fatalf("Failed to check database existence: %v", err)
	}

	if !exists {
		if err := client.CreateDB(context.Background(), cfg.Database.Name); err != nil {
			log.Fatalf("Failed to create database: %v", err)
		}
		log.Printf("Created database: %s", cfg.Database.Name)
	}

	store := kvstore.NewCouchStore(client, cfg.Database.Name)

	device, err := loadDeviceIdentity(store)
	if err != nil {
		log.Fatalf("Failed to load device identity: %v", err)
	}
	log.Printf("Device %s", device.DeviceID)

	eventBus := bus.New()

	remoteClient := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, device.DeviceID, cfg.Remote.Timeout)

	generator := idgen.NewGenerator(store)

	refCache := cache.New(store, remoteClient, eventBus, cache.Config{
		DefaultTTL: cfg.Cache.DefaultTTL,
		TTLs: map[string]time.Duration{
			"customers":  cfg.Cache.CustomerTTL,
			"products":   cfg.Cache.ProductTTL,
			"categories": cfg.Cache.CategoryTTL,
		},
	})

	recordStore := records.NewStore(store, generator, eventBus)

	monitor := connectivity.NewMonitor(remoteClient, eventBus, connectivity.Config{
		ProbeInterval:  cfg.Connectivity.ProbeInterval,
		ProbeTimeout:   cfg.Connectivity.ProbeTimeout,
		DebounceWindow: cfg.Connectivity.DebounceWindow,
	})
	monitor.Start()
	defer monitor.Stop()

	syncEngine := engine.New(recordStore, remoteClient, monitor, eventBus, engine.Config{
		BackoffBase:  cfg.Sync.BackoffBase,
		BackoffMax:   cfg.Sync.BackoffMax,
		MaxRetries:   cfg.Sync.MaxRetries,
		SyncInterval: cfg.Sync.SyncInterval,
	})
	syncEngine.Start()
	defer syncEngine.Stop()

	wsManager := websocket.NewManager(
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
	)
	wsManager.WireBus(eventBus)
	go wsManager.Run()

	identifierHandler := handler.NewIdentifierHandler(generator)
	recordHandler := handler.NewRecordHandler(recordStore)
	cacheHandler := handler.NewCacheHandler(refCache)
	connectivityHandler := handler.NewConnectivityHandler(monitor)
	syncHandler := handler.NewSyncHandler(syncEngine, recordStore)
	wsHandler := handler.NewWebSocketHandler(wsManager)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/identifiers", identifierHandler.Generate).Methods("POST", "OPTIONS")

	api.HandleFunc("/records", recordHandler.Create).Methods("POST", "OPTIONS")
	api.HandleFunc("/records/pending", recordHandler.ListPending).Methods("GET", "OPTIONS")
	api.HandleFunc("/records/failed", recordHandler.ListFailed).Methods("GET", "OPTIONS")
	api.HandleFunc("/records/{type}/{id}/retry", recordHandler.Retry).Methods("POST", "OPTIONS")
	api.HandleFunc("/records/{type}/{id}", recordHandler.Discard).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/cache/{key}", cacheHandler.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/cache/{key}/refresh", cacheHandler.Refresh).Methods("POST", "OPTIONS")

	api.HandleFunc("/connectivity", connectivityHandler.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/connectivity/hint", connectivityHandler.Hint).Methods("POST", "OPTIONS")

	api.HandleFunc("/sync/trigger", syncHandler.Trigger).Methods("POST", "OPTIONS")
	api.HandleFunc("/sync/status", syncHandler.Status).Methods("GET", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)
	r.HandleFunc("/health", healthHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting dukapos offline core on %s (env: %s)", addr, cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down agent...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Agent stopped gracefully")
}

// loadDeviceIdentity reads the per-install device id, creating it on first run.
func loadDeviceIdentity(s kvstore.Store) (*domain.DeviceIdentity, error) {
	ctx := context.Background()
	key := kvstore.DeviceKeyPrefix + "identity"

	var device domain.DeviceIdentity
	err := s.Get(ctx, key, &device)
	if err == nil {
		return &device, nil
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return nil, err
	}

	device = domain.DeviceIdentity{
		DeviceID:  uuid.New().String(),
		CreatedAt: time.Now(),
	}
	if err := s.Set(ctx, key, device); err != nil {
		return nil, err
	}
	return &device, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"dukapos-offline-core"}`))
}
