package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/MarvelSK/Isegoria/internal/gateway"
	"github.com/MarvelSK/Isegoria/internal/heartbeat"
	"github.com/MarvelSK/Isegoria/internal/messagelog"
	"github.com/MarvelSK/Isegoria/internal/protocol"
	"github.com/MarvelSK/Isegoria/internal/ratelimit"
	"github.com/MarvelSK/Isegoria/internal/router"
	"github.com/MarvelSK/Isegoria/internal/server/middleware"
	"github.com/MarvelSK/Isegoria/internal/session"
	"github.com/MarvelSK/Isegoria/pkg/config"
	"github.com/MarvelSK/Isegoria/pkg/state/statemanager"
	"github.com/MarvelSK/Isegoria/pkg/transport"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

type App struct {
	logger      *slog.Logger
	sessions    *session.Store
	messages    *messagelog.Log
	gateway     *gateway.Gateway
	eventRouter *router.EventRouter
	accept      *websocket.AcceptOptions
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	sessions, err := session.NewStore(logger, session.Config{
		TokenLength: cfg.Session.TokenLength,
		HashCost:    cfg.Session.HashCost,
	})
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	messages := messagelog.New()
	gw := gateway.New(logger,
		gateway.Config{
			HistorySize:  cfg.Messages.HistorySize,
			MaxBodyRunes: cfg.Messages.MaxBodyRunes,
			Heartbeat:    heartbeat.Config(cfg.Heartbeat),
		},
		gateway.Deps{
			Sessions: sessions,
			Limiter:  ratelimit.New(ratelimit.Config(cfg.RateLimit)),
			Messages: messages,
			Registry: statemanager.NewInMemoryManager(logger),
		},
	)
	eventRouter := router.NewEventRouter(logger)
	gw.RegisterHandlers(eventRouter)

	app := &App{
		logger:      logger,
		sessions:    sessions,
		messages:    messages,
		gateway:     gw,
		eventRouter: eventRouter,
		accept:      acceptOptions(cfg.Server.AllowedOrigins),
		config:      cfg,
		ctx:         rootCtx,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.MaxMultipartMemory = cfg.Upload.MaxBytes

	sessionAuth := middleware.NewSessionAuth(logger, func(token, username string) error {
		_, err := sessions.Validate(token, username)
		return err
	})
	api := engine.Group("/api")
	{
		api.POST("/users", app.registerUser)
		api.GET("/users/active", app.activeUsers)
		api.GET("/messages", app.listMessages)
		api.POST("/messages", sessionAuth, app.postMessage)
		api.POST("/upload", sessionAuth, app.uploadImage)
	}
	engine.GET("/healthz", app.health)
	engine.GET("/ws",
		middleware.NewConnectionLimiter(logger, gw.ConnectionsFrom, cfg.Server.ConnectionLimit),
		app.upgradeHandler,
	)

	handler := middleware.Chain(engine,
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
	)
	app.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app, nil
}

// acceptOptions maps the configured origins onto the websocket origin check.
func acceptOptions(origins []string) *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, o := range origins {
		if o == "*" {
			opts.InsecureSkipVerify = true
			continue
		}
		opts.OriginPatterns = append(opts.OriginPatterns, o)
	}
	return opts
}

func (a *App) Handler() http.Handler {
	return a.http.Handler
}

// Start binds the listener and serves in the background.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.http.Addr, err)
	}
	go func() {
		a.logger.Info("Server starting", slog.String("addr", ln.Addr().String()))
		if err := a.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()
	return nil
}

func (a *App) upgradeHandler(c *gin.Context) {
	reqMeta, _ := middleware.ReqMetadataFrom(c.Request.Context())

	wsConn, err := websocket.Accept(c.Writer, c.Request, a.accept)
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		c.Request.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.eventRouter.HandleMessage,
		a.gateway.Disconnect,
		a.logger,
	)
	a.gateway.Attach(conn, reqMeta.IP)

	a.logger.Debug("Stream connection established", slog.String("connID", conn.ID().String()), slog.String("remoteAddr", reqMeta.IP))
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down server...")
	err := a.http.Shutdown(ctx)

	// hijacked websocket connections are not tracked by http.Server
	a.logger.Info("Closing all active connections...")
	a.gateway.CloseAll(protocol.CloseShutdown)

	// wait for all connection goroutines to finish their cleanup.
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	if err != nil {
		return err
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
