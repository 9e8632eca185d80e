package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"dragonfox-chatrelay/bus"
	"dragonfox-chatrelay/registry"
	"dragonfox-chatrelay/session"
	"dragonfox-chatrelay/tcp"
	ws "dragonfox-chatrelay/websocket"
)

type config struct {
	tcpAddr     string
	httpAddr    string
	busCapacity int
	maxFileSize int
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	setupLogger()
	cfg := loadConfig()

	eventBus := bus.New(cfg.busCapacity)
	presence := registry.NewPresence()
	rooms := registry.NewRooms()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.Handler(eventBus, presence, rooms, cfg.maxFileSize))
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/stats", statsHandler(eventBus, presence, rooms))

	httpServer := &http.Server{
		Addr:    cfg.httpAddr,
		Handler: mux,
	}

	ln, err := net.Listen("tcp", cfg.tcpAddr)
	if err != nil {
		slog.Error("tcp listen failed", "addr", cfg.tcpAddr, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return tcp.NewServer(eventBus, presence, rooms, cfg.maxFileSize).Serve(ctx, ln)
	})

	group.Go(func() error {
		slog.Info("http server starting", "addr", cfg.httpAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		slog.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}

		// Closing the bus wakes every dispatch loop, which tears its
		// session down and closes its connection.
		eventBus.Close()
		return nil
	})

	if err := group.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func loadConfig() config {
	cfg := config{
		tcpAddr:     ":8000",
		httpAddr:    ":8080",
		busCapacity: bus.DefaultCapacity,
		maxFileSize: session.DefaultMaxFileSize,
	}
	if addr := os.Getenv("TCP_ADDR"); addr != "" {
		cfg.tcpAddr = addr
	}
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.httpAddr = addr
	}
	cfg.busCapacity = envInt("BUS_CAPACITY", cfg.busCapacity)
	cfg.maxFileSize = envInt("MAX_FILE_SIZE", cfg.maxFileSize)
	return cfg
}

func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
		slog.Warn("ignoring invalid value", "key", key, "value", raw)
	}
	return fallback
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func statsHandler(b *bus.Bus, presence *registry.Presence, rooms *registry.Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"clients":     presence.Count(),
			"rooms":       rooms.Count(),
			"subscribers": b.Subscribers(),
		})
	}
}
