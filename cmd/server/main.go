package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-dmchat/internal/api"
	"github.com/npezzotti/go-dmchat/internal/config"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/presence"
	"github.com/npezzotti/go-dmchat/internal/rooms"
	"github.com/npezzotti/go-dmchat/internal/server"
	"github.com/npezzotti/go-dmchat/internal/stats"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	redisAddr      string
	natsURL        string
	presenceTTL    time.Duration
	allowedOrigins stringSliceFlag
)

func main() {
	logger := log.New(os.Stderr, "[go-dmchat] ", log.LstdFlags)

	if err := config.LoadEnv(); err != nil {
		logger.Fatal("load env:", err)
	}

	flag.StringVar(&addr, "addr", config.Getenv("ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", config.Getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", config.Getenv("SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.StringVar(&redisAddr, "redis-addr", config.Getenv("REDIS_ADDR", ""), "redis address for the presence mirror")
	flag.StringVar(&natsURL, "nats-url", config.Getenv("NATS_URL", ""), "nats url for presence events")
	flag.DurationVar(&presenceTTL, "presence-ttl", 2*time.Minute, "expiry of mirrored presence entries")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if origins := config.Getenv("ALLOWED_ORIGINS", ""); origins != "" {
			allowedOrigins.Set(origins)
		}
	}

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins,
		config.WithRedisAddr(redisAddr),
		config.WithNatsURL(natsURL),
		config.WithPresenceTTL(presenceTTL),
	)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		logger.Fatal("db migrate:", err)
	}

	var mirrors presence.Mirrors
	if cfg.RedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := presence.DialRedis(dialCtx, cfg.RedisAddr)
		cancel()
		if err != nil {
			logger.Fatal("redis:", err)
		}
		defer rdb.Close()
		mirrors = append(mirrors, presence.NewRedisMirror(rdb, cfg.PresenceTTL))
		logger.Printf("mirroring presence to redis at %s", cfg.RedisAddr)
	}
	if cfg.NatsURL != "" {
		nc, err := presence.DialNats(cfg.NatsURL)
		if err != nil {
			logger.Fatal("nats:", err)
		}
		defer nc.Drain()
		mirrors = append(mirrors, presence.NewNatsMirror(nc))
		logger.Printf("publishing presence events to %s", cfg.NatsURL)
	}

	var opts []server.Option
	if len(mirrors) > 0 {
		opts = append(opts, server.WithMirror(mirrors, cfg.PresenceTTL))
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, presence.NewRegistry(), rooms.NewCoordinator(), statsUpdater, opts...)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewGoChatApp(mux, logger, chatServer, dbConn, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
