package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/julienbonastre/haiti-shipping/internal/config"
	"github.com/julienbonastre/haiti-shipping/internal/database"
	"github.com/julienbonastre/haiti-shipping/internal/handlers"
	"github.com/julienbonastre/haiti-shipping/internal/ratesync"
	"github.com/julienbonastre/haiti-shipping/internal/settings"
)

const sessionCleanupInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the quote and admin HTTP API",
	Long: `Serves the HTTP API on server.addr. Missing settings records are seeded
with the defaults at startup, and a poller keeps the quote snapshot current.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	store := settings.NewStore(db,
		settings.WithTimeout(cfg.DB.Timeout),
		settings.WithLogger(logger))
	if !store.InitializeSettings(ctx) {
		logger.Warn("settings not seeded, serving defaults until an admin initializes them")
	}

	poller := ratesync.New(store, logger.Named("poller"))
	if err := poller.Start(ctx, ratesync.Options{Interval: cfg.Sync.Interval, Silent: cfg.Sync.Silent}); err != nil {
		return err
	}
	defer poller.Stop()

	editor := settings.NewEditor(store, cfg.Sync.Debounce, logger.Named("editor"), func(id string, ok bool) {
		logger.Debug("special item edit flushed", zap.String("id", id), zap.Bool("ok", ok))
	})
	defer editor.Close()

	sessionKey := []byte(cfg.Server.SessionKey)
	if len(sessionKey) == 0 {
		logger.Warn("server.session_key not set, admin sessions will not survive a restart")
		sessionKey = securecookie.GenerateRandomKey(32)
	}
	sessionStore := database.NewSessionStore(db, sessionKey)
	sessionStore.SetOptions(sessionOptions(cfg.Server))
	go cleanupSessions(ctx, sessionStore)

	gin.SetMode(gin.ReleaseMode)
	h := handlers.NewHandler(handlers.Options{
		Store:    store,
		Records:  db,
		Editor:   editor,
		Poller:   poller,
		Sessions: sessionStore,
		Health:   db.HealthCheck,
		Logger:   logger.Named("http"),
	})

	// event streams never finish on their own; shutdown cancels their context
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting haiti-shipping", zap.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func sessionOptions(s config.ServerConfig) *sessions.Options {
	return &sessions.Options{
		Path:     "/",
		MaxAge:   int(s.SessionMaxAge / time.Second),
		HttpOnly: true,
		Secure:   s.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func cleanupSessions(ctx context.Context, store *database.SessionStore) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.CleanupExpiredSessions()
			if err != nil {
				logger.Warn("session cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("expired admin sessions removed", zap.Int64("count", n))
			}
		}
	}
}
