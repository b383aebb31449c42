package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pliu/alumnichat/internal/auth"
	"github.com/pliu/alumnichat/internal/broadcast"
	"github.com/pliu/alumnichat/internal/config"
	"github.com/pliu/alumnichat/internal/handlers"
	"github.com/pliu/alumnichat/internal/middleware"
	"github.com/pliu/alumnichat/internal/obs"
	"github.com/pliu/alumnichat/internal/store"
	"github.com/pliu/alumnichat/internal/store/sqlstore"
	"github.com/pliu/alumnichat/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		logger := obs.NewLogger(cfg.Env)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080",
		"HTTP service address")
	_ = viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))

	serveCmd.Flags().String("nats-url", "",
		"NATS server URL; empty keeps fan-out in this process")
	_ = viper.BindPFlag("nats.url", serveCmd.Flags().Lookup("nats-url"))

	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := sqlstore.New(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer st.Close()

	// The fabric outlives the sessions so their offline events still go out
	// during shutdown.
	fabricCtx, stopFabric := context.WithCancel(context.Background())
	defer stopFabric()
	fabric, closeFabric, err := startFabric(fabricCtx, cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer closeFabric()

	resolver := auth.NewResolver([]byte(cfg.JWT.Secret), st)
	wsHandler := ws.NewHandler(ctx, resolver, fabric, ws.NewRouter(st, fabric, logger), ws.Options{
		WriteWait:      cfg.WS.WriteWait,
		PongWait:       cfg.WS.PongWait,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		SendBuffer:     cfg.WS.SendBuffer,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	}, logger)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: newRouter(st, resolver, fabric, wsHandler, logger),
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "addr", cfg.Addr, "db_driver", cfg.DB.Driver, "distributed", cfg.NATS.URL != "")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}

	// ListenAndServe returns as soon as Shutdown starts. Once Shutdown is done
	// no new session can begin.
	<-shutdownDone

	// Sessions publish their offline events on the way out; the fabric must
	// still be up for that.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := wsHandler.Wait(drainCtx); err != nil {
		logger.Warn("websocket sessions still open at shutdown", "error", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}

// startFabric picks the NATS fabric when a URL is configured and the
// in-process hub otherwise. Both run until ctx is cancelled.
func startFabric(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (broadcast.Fabric, func(), error) {
	if cfg.URL == "" {
		hub := broadcast.NewHub()
		go hub.Run(ctx)
		return hub, func() {}, nil
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("chatty"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "connect to nats at %s", cfg.URL)
	}
	fabric := broadcast.NewNATSFabric(nc, cfg.SubjectPrefix, logger.With("component", "nats"))
	go fabric.Run(ctx)
	logger.Info("connected to nats", "url", nc.ConnectedUrl())
	return fabric, func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("nats drain failed", "error", err)
		}
	}, nil
}

func newRouter(st store.Store, resolver middleware.Resolver, fabric broadcast.Fabric, wsHandler http.Handler, logger *slog.Logger) *mux.Router {
	chatHandler := &handlers.ChatHandler{Store: st, Logger: logger}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))

	r.Handle("/healthz", &handlers.HealthHandler{Fabric: fabric, Group: ws.OnlineUsersGroup}).Methods("GET")

	// The websocket authenticates with the token query parameter.
	r.Handle("/ws", wsHandler)

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(resolver))
	api.HandleFunc("/conversations", chatHandler.GetConversations).Methods("GET")
	api.HandleFunc("/conversations/{id}/delete", chatHandler.DeleteConversation).Methods("POST")
	api.HandleFunc("/messages/{peer_id}", chatHandler.GetMessages).Methods("GET")
	api.HandleFunc("/send", chatHandler.SendMessage).Methods("POST")
	api.HandleFunc("/users/search", chatHandler.SearchUsers).Methods("GET")
	return r
}
