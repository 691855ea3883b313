package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"scenesync/auth"
	"scenesync/config"
	"scenesync/handlers/api/sessions"
	"scenesync/handlers/websocket"
	"scenesync/metrics"
	"scenesync/realtime"
	"scenesync/relay"
	"scenesync/stores"
)

func setupRouter(svc *relay.Service, issuer *auth.Issuer, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			if origin == "" {
				return false
			}
			if cfg.PublicBaseURL != "" && origin == originOf(cfg.PublicBaseURL) {
				return true
			}

			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}
			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "[::1]":
					return true
				}
			}
			return false
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	r.Use(cors.Handler(corsOptions))

	sessions.Routes(r, svc, issuer, cfg.PublicBaseURL)
	r.Get("/realtime/{id}", websocket.HandleStream(svc))

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})

	return r
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func setupHub(cfg *config.Config) (realtime.Hub, func()) {
	if cfg.RedisURL == "" {
		logrus.Info("Using in-process notification hub")
		return realtime.NewMemoryHub(), func() {}
	}
	hub, err := realtime.NewRedisHub(cfg.RedisURL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect notification hub")
	}
	logrus.Info("Using redis notification hub")
	return hub, func() {
		if err := hub.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close redis hub")
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logLevel := flag.String("loglevel", cfg.LogLevel, "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", cfg.ListenAddr, "Set the server listen address")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)

	store, registry := stores.GetStore(cfg)
	hub, closeHub := setupHub(cfg)
	defer closeHub()

	svc := relay.NewService(store, hub, registry)
	issuer := auth.NewIssuer(cfg.AuthSecret, cfg.AuthTokenTTL)
	if !issuer.Enabled() {
		logrus.Warn("AUTH_SECRET is not set. Session writes are not authenticated.")
	}

	r := setupRouter(svc, issuer, cfg)
	ioo := websocket.SetupSocketIO(svc, issuer)
	r.Handle("/socket.io/", ioo.Handler())

	server := &http.Server{Addr: *listenAddr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithField("addr", *listenAddr).Info("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logrus.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		ioo.Close()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logrus.WithField("event", "server").Error(err)
		closeHub()
		os.Exit(1)
	}
}
