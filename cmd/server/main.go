package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/termmux/api/handlers"
	"github.com/remote-agent-terminal/termmux/internal/auth"
	"github.com/remote-agent-terminal/termmux/internal/config"
	"github.com/remote-agent-terminal/termmux/internal/db"
	"github.com/remote-agent-terminal/termmux/internal/log"
	"github.com/remote-agent-terminal/termmux/internal/metrics"
	"github.com/remote-agent-terminal/termmux/internal/pty"
	"github.com/remote-agent-terminal/termmux/internal/repository"
	"github.com/remote-agent-terminal/termmux/internal/session"
	"github.com/remote-agent-terminal/termmux/internal/ws"
)

func main() {
	root := &cobra.Command{
		Use:           "termmux-server",
		Short:         "Serve persistent terminal sessions over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// tokenCmd mints a token with the configured secret, for the CLI client.
func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user>",
		Short: "Print an access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthDisabled {
				return errors.New("authentication is disabled, no token needed")
			}
			token, err := auth.NewVerifier(cfg.JWTSecret, false).Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log.Setup(cfg.Env, cfg.LogLevel)
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.CloseDB()

	sessionRepo := repository.NewSessionRepository(database)

	// Shells from a previous run died with it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if n, err := sessionRepo.MarkStaleExited(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to mark stale sessions")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("marked stale sessions exited")
	}

	m := metrics.New()
	ptyManager := pty.NewManager(cfg.Shell)

	registry := session.NewRegistry(ptyManager, sessionRepo, m, session.Config{
		MaxSessions:        cfg.MaxSessions,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		ScrollbackBytes:    cfg.ScrollbackBytes,
		RecordingDir:       cfg.RecordingDir,
	})

	hub := ws.NewHub()
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.AuthDisabled)
	if verifier.Disabled() {
		log.Warn().Msg("authentication disabled, every connection acts as user " + auth.DevUserID)
	}

	sessionHandler := handlers.NewSessionHandler(registry, sessionRepo)
	wsHandler := handlers.NewWebSocketHandler(ctx, registry, cfg.AllowedOrigins, ws.Options{
		InputRate:  cfg.InputRate,
		InputBurst: cfg.InputBurst,
		Metrics:    m,
		Hub:        hub,
	})

	r := gin.New()
	r.Use(log.GinLogger(), gin.Recovery())
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"sessions":    registry.Len(),
			"connections": hub.Count(),
		})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	api := r.Group("/api")
	api.Use(handlers.AuthMiddleware(verifier, m))
	{
		sessionHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:     ":" + cfg.Port,
		Handler:  r,
		ErrorLog: log.StdErrorLogger(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("shell", ptyManager.Shell).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			registry.Close()
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	// Hijacked connections are invisible to Shutdown, so close them first.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown did not complete")
	}
	if err := registry.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close sessions")
	}
	if err := ptyManager.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to stop shells")
	}
	return nil
}

// corsMiddleware allows the listed origins, or any origin when the list is
// empty or contains "*".
func corsMiddleware(allowed []string) gin.HandlerFunc {
	allowAll := len(allowed) == 0
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case allowAll:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origins[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
