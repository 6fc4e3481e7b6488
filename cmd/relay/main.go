// The relay binary serves rooms over websocket, with optional Redis
// bridging across instances, optional Postgres delta archiving and
// optional mDNS advertisement for LAN clients.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"

	"collabcanvas/discovery"
	"collabcanvas/relay"
)

type config struct {
	Addr         string `env:"RELAY_ADDR" envDefault:":8081"`
	RedisAddr    string `env:"REDIS_ADDR"`
	DatabaseURL  string `env:"DATABASE_URL"`
	MDNS         bool   `env:"RELAY_MDNS"`
	MDNSInstance string `env:"RELAY_MDNS_INSTANCE" envDefault:"collabcanvas-relay"`
	CatchUpLimit int    `env:"RELAY_CATCHUP" envDefault:"512"`
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hubCfg := relay.Config{CatchUpLimit: cfg.CatchUpLimit, Logger: log}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		hubCfg.Redis = rdb
		log.Info("redis bridge enabled", "addr", cfg.RedisAddr)
	}

	if cfg.DatabaseURL != "" {
		archive, err := relay.NewArchive(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("archive unavailable", "error", err)
			os.Exit(1)
		}
		defer archive.Close()
		hubCfg.Archive = archive
		log.Info("delta archive enabled")
	}

	hub := relay.NewHub(hubCfg)
	defer hub.Close()

	if cfg.MDNS {
		port, err := portOf(cfg.Addr)
		if err != nil {
			log.Error("cannot advertise over mDNS", "addr", cfg.Addr, "error", err)
			os.Exit(1)
		}
		shutdown, err := discovery.Register(cfg.MDNSInstance, port)
		if err != nil {
			log.Error("mDNS registration failed", "error", err)
			os.Exit(1)
		}
		defer shutdown()
		log.Info("advertising over mDNS", "instance", cfg.MDNSInstance, "port", port)
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: relay.NewServer(hub, log),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("relay listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("relay stopped", "error", err)
		os.Exit(1)
	}
	log.Info("relay shut down")
}

func portOf(addr string) (int, error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return 0, errors.New("address has no port")
	}
	return strconv.Atoi(addr[i+1:])
}
