package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Mak2503/chat-app/internal/dispatch"
	"github.com/Mak2503/chat-app/internal/group"
	"github.com/Mak2503/chat-app/internal/server/middleware"
	"github.com/Mak2503/chat-app/internal/store"
	"github.com/Mak2503/chat-app/pkg/config"
	"github.com/Mak2503/chat-app/pkg/state"
	"github.com/Mak2503/chat-app/pkg/state/statemanager"
	"github.com/Mak2503/chat-app/pkg/transport"
)

// Stores bundles the consumed persistence interfaces.
type Stores struct {
	Identities store.IdentityStore
	Groups     store.GroupStore
	Messages   store.MessageStore
}

type App struct {
	logger     *slog.Logger
	registry   state.Registry
	dispatcher *dispatch.Dispatcher
	wg         sync.WaitGroup
	http       *http.Server
	config     *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, stores Stores) *App {
	manager := statemanager.NewInMemoryManager(logger)
	coordinator := group.NewCoordinator(logger, stores.Identities, stores.Groups, manager)
	dispatcher := dispatch.NewDispatcher(logger, manager, manager, coordinator, stores.Identities, stores.Messages)

	app := &App{
		logger:     logger,
		registry:   manager,
		dispatcher: dispatcher,
		config:     cfg,
		ctx:        rootCtx,
	}

	cycler := func(identityID string) {
		oldest, found := manager.OldestConnection(identityID)
		if found {
			logger.Info("cycling connection: closing oldest",
				slog.String("identityID", identityID), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret, stores.Identities),
			middleware.NewConnectionLimiter(logger, manager.ConnectionCount, cycler, cfg.Server.ConnectionLimit),
		),
	)

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}

	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// upgradeHandler admits an authenticated connection: upgrade the socket,
// bind the identity in the registry, mirror memberships, announce presence,
// then start the pumps and hold the request until the connection dies.
func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.Identity == nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	identityID := reqMeta.Identity.ID
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("identityID", identityID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.logger,
	)
	conn.SetOnMessage(a.dispatcher.HandleMessage)
	conn.SetOnClose(func(id uuid.UUID, err error) {
		connLogger.Info("connection closed, unbinding", slog.String("connID", id.String()))
		a.dispatcher.HandleDisconnect(id)
	})

	if _, err := a.dispatcher.HandleConnect(r.Context(), identityID, conn, reqMeta.IP); err != nil {
		connLogger.Error("failed to admit connection", slog.Any("error", err))
		conn.Close(err)
		return
	}

	connLogger.Info("connection established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful teardown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("closing all active connections...")
	for _, conn := range a.registry.AllConnections() {
		conn.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("server shut down gracefully")
	return nil
}
