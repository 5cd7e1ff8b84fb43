package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/livecore/internal/engine"
	"github.com/a-essam23/livecore/internal/router"
	"github.com/a-essam23/livecore/internal/server/middleware"
	"github.com/a-essam23/livecore/pkg/aggregate"
	"github.com/a-essam23/livecore/pkg/auth"
	"github.com/a-essam23/livecore/pkg/broadcast"
	"github.com/a-essam23/livecore/pkg/clock"
	"github.com/a-essam23/livecore/pkg/collab"
	"github.com/a-essam23/livecore/pkg/config"
	"github.com/a-essam23/livecore/pkg/history"
	"github.com/a-essam23/livecore/pkg/ingest"
	"github.com/a-essam23/livecore/pkg/presence"
	"github.com/a-essam23/livecore/pkg/state"
	"github.com/a-essam23/livecore/pkg/state/statemanager"
	"github.com/a-essam23/livecore/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrConnectionCycled closes a user's oldest connection when a newer one
// exceeds the per-user limit in cycle mode.
var ErrConnectionCycled = errors.New("connection cycled by new connection")

// Options carries the external collaborators. Zero values fall back to
// in-process defaults.
type Options struct {
	Clock     clock.Clock
	Verifier  auth.Verifier
	Policy    auth.Policy
	Directory auth.Directory
	Store     history.Store
	// Subscribers receive every aggregated or passthrough event next to the
	// broadcaster, e.g. the AMQP sink.
	Subscribers       []aggregate.Subscriber
	PresenceListeners []presence.Listener
	// EventReader, when set, feeds domain events from Kafka.
	EventReader ingest.Reader
	// Closers are closed after shutdown, in order.
	Closers []io.Closer
}

type App struct {
	logger        *slog.Logger
	config        *config.Config
	clock         clock.Clock
	registry      *statemanager.InMemoryManager
	authenticator *auth.Authenticator
	aggregator    *aggregate.Aggregator
	broadcaster   *broadcast.Broadcaster
	presence      *presence.Tracker
	editor        *collab.Editor
	engine        *engine.Registry
	eventRouter   *router.EventRouter
	consumer      *ingest.Consumer
	closers       []io.Closer

	wg       sync.WaitGroup
	http     *http.Server
	handler  http.Handler
	shutdown sync.Once

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, opts Options) (*App, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	verifier := opts.Verifier
	if verifier == nil {
		a := cfg.Server.Auth
		verifier = auth.NewJWTVerifier(a.JWTSecret, a.Issuer, a.Audience)
	}
	store := opts.Store
	if store == nil {
		store = history.NewMemoryStore()
	}

	rules, err := config.CompileRules(cfg.Aggregation)
	if err != nil {
		return nil, err
	}
	aggregator, err := aggregate.New(logger, clk, rules)
	if err != nil {
		return nil, err
	}

	registry := statemanager.NewInMemoryManager(logger, clk)
	broadcaster := broadcast.New(logger, registry, clk)
	aggregator.Subscribe(broadcaster)
	for _, s := range opts.Subscribers {
		aggregator.Subscribe(s)
	}

	tracker := presence.New(logger, aggregator, clk, presence.Options{IdleTimeout: cfg.Presence.IdleTimeout})
	for _, l := range opts.PresenceListeners {
		tracker.AddListener(l)
	}
	registry.Observe(tracker)

	editor := collab.New(logger, store, aggregator, clk, collab.Options{Mode: collab.Mode(cfg.Editor.ConflictMode)})

	authenticator := auth.New(logger, verifier, auth.Options{
		CookieName:    cfg.Server.Auth.CookieName,
		DefaultAllow:  cfg.Server.Auth.DefaultPolicy != "deny",
		VerifyTimeout: cfg.Server.Auth.VerifyTimeout,
		Policy:        opts.Policy,
		Directory:     opts.Directory,
	})

	eng := engine.New(logger)
	eng.RegisterCore(&engine.RegisterCoreOptions{
		Authenticator: authenticator,
		Editor:        editor,
		Presence:      tracker,
		Publisher:     aggregator,
		Broadcaster:   broadcaster,
	})
	registry.Observe(eng)
	if err := config.CompilePipelines(cfg, config.Providers{
		Action:        eng.GetActionFunc,
		Modifier:      eng.GetModifierFunc,
		CheckTemplate: eng.CheckTemplate,
	}); err != nil {
		return nil, fmt.Errorf("compile event pipelines: %w", err)
	}

	app := &App{
		logger:        logger,
		config:        cfg,
		clock:         clk,
		registry:      registry,
		authenticator: authenticator,
		aggregator:    aggregator,
		broadcaster:   broadcaster,
		presence:      tracker,
		editor:        editor,
		engine:        eng,
		eventRouter:   router.NewEventRouter(logger, registry, cfg.Pipelines, eng.Resolve, clk),
		closers:       opts.Closers,
		ctx:           rootCtx,
	}
	if opts.EventReader != nil {
		app.consumer = ingest.NewConsumer(logger, opts.EventReader, aggregator, ingest.Options{})
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	// Create a cycler function that closes over the registry and logger.
	connCycler := func(userID string) {
		oldest, found := registry.OldestUserConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
			registry.Remove(oldest.ID, ErrConnectionCycled)
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, authenticator),
			middleware.NewConnectionLimiter(
				logger,
				registry.UserConnectionCount,
				connCycler,
				app.config.Server.ConnectionLimit,
			),
		),
	)
	mux.HandleFunc("/healthz", app.healthHandler)
	app.handler = mux

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

// Handler is the HTTP surface, for embedding or tests.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves until the root context is done, then shuts down gracefully.
// Supervisors and the optional event consumer run in the same group.
func (a *App) Run() error {
	g, gctx := errgroup.WithContext(a.ctx)

	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.every(gctx, a.config.Transport.SweepInterval, a.sweepHeartbeats)
		return nil
	})
	g.Go(func() error {
		a.every(gctx, a.config.Presence.SweepInterval, a.sweepIdle)
		return nil
	})
	if a.consumer != nil {
		g.Go(func() error {
			return a.consumer.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

func (a *App) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// sweepHeartbeats closes connections that stayed silent past the heartbeat
// timeout.
func (a *App) sweepHeartbeats(context.Context) {
	expired := a.registry.Sweep(a.clock.Now(), a.config.Transport.HeartbeatTimeout)
	if len(expired) > 0 {
		a.logger.Info("Closed stale connections", slog.Int("count", len(expired)))
	}
}

func (a *App) sweepIdle(ctx context.Context) {
	idle := a.presence.SweepIdle(ctx, a.clock.Now())
	if len(idle) > 0 {
		a.logger.Debug("Marked idle users away", slog.Int("count", len(idle)))
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.Principal == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID()),
	)

	acceptOpts := &websocket.AcceptOptions{OriginPatterns: a.config.Server.AllowedOrigins}
	if len(acceptOpts.OriginPatterns) == 0 {
		acceptOpts.InsecureSkipVerify = true
	}
	wsConn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout:   a.config.Transport.ReadTimeout,
			WriteTimeout:  a.config.Transport.WriteTimeout,
			SendQueueSize: a.config.Transport.SendQueueSize,
			ReadLimit:     a.config.Transport.ReadLimit,
		},
		a.eventRouter.HandleMessage,
		func(id uuid.UUID, err error) {
			connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()), slog.Any("reason", err))
			if rErr := a.registry.Remove(id, err); rErr != nil && !errors.Is(rErr, state.ErrUnknownConnection) {
				connLogger.Error("Failed to deregister connection from state", slog.Any("error", rErr))
			}
		},
		a.logger,
	)
	// the handshake is queued before the pumps start, so it is always the
	// first frame on the wire
	if _, err := a.registry.Register(r.Context(), reqMeta.Principal, conn, reqMeta.IP); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}

	connLogger.Info("User connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

type health struct {
	Status      string          `json:"status"`
	Connections int             `json:"connections"`
	Rooms       int             `json:"rooms"`
	Aggregation aggregate.Stats `json:"aggregation"`
	Broadcast   broadcast.Stats `json:"broadcast"`
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health{
		Status:      "ok",
		Connections: a.registry.Count(),
		Rooms:       a.registry.RoomCount(),
		Aggregation: a.aggregator.Stats(),
		Broadcast:   a.broadcaster.Stats(),
	})
}

// graceful shutdown sequence. Safe to call more than once.
func (a *App) Shutdown() error {
	var err error
	a.shutdown.Do(func() { err = a.doShutdown() })
	return err
}

func (a *App) doShutdown() error {
	a.logger.Info("Shutting down server...")
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// deliver whatever is still waiting in an aggregation window
	if err := a.aggregator.FlushAll(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("flush aggregations: %w", err))
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...", slog.Int("count", a.registry.Count()))
	for _, conn := range a.registry.All() {
		a.registry.Remove(conn.ID, transport.ErrServerShutdown)
	}

	// wait for all connection goroutines to finish their cleanup.
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		errs = append(errs, errors.New("timed out waiting for connections to close"))
	}

	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event consumer: %w", err))
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		a.logger.Info("Server shut down gracefully.")
	}
	return errors.Join(errs...)
}
