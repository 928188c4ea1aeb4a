package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adityaadpandey/echo-chamber/internals/config"
	"github.com/adityaadpandey/echo-chamber/internals/expiry"
	"github.com/adityaadpandey/echo-chamber/internals/room"
	"github.com/adityaadpandey/echo-chamber/internals/router"
	"github.com/adityaadpandey/echo-chamber/internals/session"
	"github.com/adityaadpandey/echo-chamber/internals/signaling"
	"github.com/adityaadpandey/echo-chamber/internals/state"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine wires the room engine to HTTP: the websocket endpoint, health,
// read-only room inspection and metrics.
type Engine struct {
	config     *config.Config
	logger     *zap.Logger
	instanceID string

	store    *room.Store
	registry *session.Registry
	router   *router.Router
	hub      *signaling.Hub
	expiry   *expiry.Manager

	stateManager  *state.Manager
	pubsubManager *signaling.PubSubManager

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu   sync.Mutex
	stop context.CancelFunc
	addr net.Addr
}

func NewEngine(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = signaling.InstanceID()
	}

	store := room.NewStore(room.Options{
		MaxRooms:          cfg.Server.MaxRooms,
		MaxMembersPerRoom: cfg.Server.MaxMembersPerRoom,
		RetainPlayback:    cfg.Realtime.RetainPlayback,
	}, logger.Named("room"))
	registry := session.NewRegistry(store, logger.Named("session"))
	hub := signaling.NewHub(logger.Named("hub"))

	rt := router.New(store, registry, hub, router.Options{
		WaveTTL:            cfg.Realtime.WaveTTL,
		DefaultWaveColor:   cfg.Realtime.DefaultWaveColor,
		DefaultAvatarColor: cfg.Realtime.DefaultAvatarColor,
		PositionBound:      cfg.Realtime.PositionBound,
		RateLimitPerSec:    cfg.Realtime.RateLimitPerSec,
		RateLimitBurst:     cfg.Realtime.RateLimitBurst,
	}, logger.Named("router"))

	e := &Engine{
		config:     cfg,
		logger:     logger,
		instanceID: instanceID,
		store:      store,
		registry:   registry,
		router:     rt,
		hub:        hub,
		expiry:     expiry.NewManager(store, cfg.Realtime.SweepInterval, logger.Named("expiry")),
	}
	e.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     e.checkOrigin,
	}

	if cfg.Redis.Enabled {
		stateManager, err := state.NewManager(
			cfg.Redis.Addr,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.SummaryTTL,
			instanceID,
			logger.Named("state"),
		)
		if err != nil {
			logger.Warn("Redis connection failed, running without room mirror", zap.Error(err))
		} else {
			e.stateManager = stateManager
			rt.SetMirror(stateManager)
		}
	}

	if e.stateManager != nil && cfg.Redis.RelayEnabled {
		e.pubsubManager = signaling.NewPubSubManager(e.stateManager.Client(), instanceID, logger.Named("pubsub"))
		e.pubsubManager.OnRemoteMessage = rt.DeliverRemote
		rt.SetRelay(e.pubsubManager)
	}

	e.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      e.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return e, nil
}

// Handler returns the HTTP routes served by the engine.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", e.handleWebSocket)
	mux.HandleFunc("/health", e.handleHealth)
	mux.HandleFunc("/api/rooms", e.corsMiddleware(e.handleRoomsAPI))
	mux.HandleFunc("/api/rooms/", e.corsMiddleware(e.handleRoomAPI))

	if e.config.Metrics.Enabled {
		mux.Handle(e.config.Metrics.Path, promhttp.Handler())
	}
	return mux
}

// Start serves until ctx is cancelled or Stop is called, then shuts down.
func (e *Engine) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.httpServer.Addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.stop = cancel
	e.addr = ln.Addr()
	e.mu.Unlock()
	defer cancel()

	e.logger.Info("Starting echo chamber engine",
		zap.String("addr", ln.Addr().String()),
		zap.String("instance_id", e.instanceID),
		zap.Bool("redis", e.stateManager != nil),
		zap.Bool("relay", e.pubsubManager != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := e.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return e.expiry.Run(gctx)
	})

	if e.stateManager != nil {
		g.Go(func() error {
			return e.stateManager.RunRefresher(gctx, e.config.Redis.SummaryTTL/2)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return e.shutdown()
	})

	return g.Wait()
}

// Addr is the bound listen address once Start is running, nil before.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// Stop asks a running Start to shut down.
func (e *Engine) Stop() {
	e.mu.Lock()
	stop := e.stop
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (e *Engine) shutdown() error {
	e.logger.Info("Stopping echo chamber engine")

	ctx, cancel := context.WithTimeout(context.Background(), e.config.Server.ShutdownTimeout)
	defer cancel()

	err := e.httpServer.Shutdown(ctx)

	// hijacked websocket connections are not closed by Shutdown
	e.hub.CloseAll()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for e.hub.Count() > 0 {
		select {
		case <-ctx.Done():
			e.logger.Warn("Connections still open at shutdown", zap.Int("count", e.hub.Count()))
			return err
		case <-ticker.C:
		}
	}

	if e.pubsubManager != nil {
		e.pubsubManager.Close()
	}
	if e.stateManager != nil {
		e.stateManager.Close()
	}

	e.logger.Info("Echo chamber engine stopped")
	return err
}

func (e *Engine) checkOrigin(r *http.Request) bool {
	if len(e.config.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range e.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (e *Engine) clientOptions() signaling.ClientOptions {
	rt := e.config.Realtime
	return signaling.ClientOptions{
		ReadLimit:    rt.WSReadLimit,
		WriteTimeout: rt.WSWriteTimeout,
		PongTimeout:  rt.WSPongTimeout,
		PingInterval: rt.WSPingInterval,
		SendBuffer:   rt.SendBuffer,
	}
}

// --- WebSocket ---

func (e *Engine) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	connID := e.registry.Register()
	client := signaling.NewClient(connID, conn, e.clientOptions(), e.logger.Named("client"))
	client.OnMessage = func(c *signaling.Client, msg signaling.Message) {
		e.router.HandleMessage(c.ID, msg)
	}
	client.OnDisconnect = func(c *signaling.Client) {
		e.router.HandleDisconnect(c.ID)
		e.hub.UnregisterClient(c)
	}

	e.hub.RegisterClient(client)
	e.router.HandleConnect(connID)

	go client.WritePump()
	go client.ReadPump()
}

// --- REST API ---

func (e *Engine) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func (e *Engine) handleRoomsAPI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("scope") == "all" {
		e.listAllRooms(w, r)
		return
	}

	rooms := e.store.Summaries()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms":       rooms,
		"total":       len(rooms),
		"instance_id": e.instanceID,
	})
}

func (e *Engine) listAllRooms(w http.ResponseWriter, r *http.Request) {
	if e.stateManager == nil {
		http.Error(w, "Room mirror disabled", http.StatusServiceUnavailable)
		return
	}

	rooms, err := e.stateManager.ListRoomSummaries(r.Context())
	if err != nil {
		e.logger.Warn("Failed to list mirrored rooms", zap.Error(err))
		http.Error(w, "Room mirror unavailable", http.StatusBadGateway)
		return
	}
	if rooms == nil {
		rooms = []state.RoomSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
		"total": len(rooms),
	})
}

func (e *Engine) handleRoomAPI(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	if roomID == "" {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}

	view, ok := e.store.Snapshot(roomID)
	if !ok {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, router.NewRoomState(view))
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	rooms, _ := e.store.Stats()

	redisStatus := "disabled"
	if e.config.Redis.Enabled {
		redisStatus = "unavailable"
	}
	if e.stateManager != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := e.stateManager.Ping(ctx); err != nil {
			redisStatus = "error: " + err.Error()
		} else {
			redisStatus = "connected"
		}
	}

	status := "healthy"
	if redisStatus != "connected" && redisStatus != "disabled" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"timestamp":   time.Now(),
		"instance_id": e.instanceID,
		"redis":       redisStatus,
		"rooms":       rooms,
		"connections": e.hub.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
