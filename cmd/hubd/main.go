package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"drawspace/api/internal/access"
	"drawspace/api/internal/config"
	"drawspace/api/internal/hub"
	"drawspace/api/internal/store"
	"drawspace/api/internal/util"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var canvases store.CanvasStore
	var ping func(context.Context) error

	if strings.TrimSpace(cfg.SQLitePath) != "" {
		log.Printf("Using SQLite canvas store at %s", cfg.SQLitePath)
		sqliteStore, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite open failed: %v", err)
		}
		defer sqliteStore.Close()
		canvases = sqliteStore
		ping = sqliteStore.Ping
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		pgStore := store.NewPostgresStore(db)
		canvases = pgStore
		ping = pgStore.Ping
	}

	var checker access.Checker = access.NewStoreChecker(canvases)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis access cache")
		cache, err := access.NewRedisCache(cfg.RedisURL, checker, cfg.AccessCacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cache.Close()
		checker = cache
	}

	syncHub := hub.New([]byte(cfg.JWTSecret), checker, canvases)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go syncHub.Run(hubCtx)

	router := mux.NewRouter()
	router.Use(loggingMiddleware(cfg.CORSOrigin))
	router.HandleFunc("/ws", syncHub.ServeWS)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := ping(checkCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ok":false}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}).Methods(http.MethodGet, http.MethodHead)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Drawspace hub listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopHub()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func loggingMiddleware(corsOrigin string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = util.NewID("")
			}

			started := time.Now()
			writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			if corsOrigin != "" {
				writer.Header().Set("Access-Control-Allow-Origin", corsOrigin)
			}
			writer.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(writer, r)

			log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
				requestID,
				r.Method,
				r.URL.Path,
				writer.status,
				time.Since(started).Milliseconds(),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes through so the websocket upgrade works behind the logger.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
