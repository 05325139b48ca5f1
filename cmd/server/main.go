package main

import (
	"context"
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"taskboard/api"
	"taskboard/domain"
	"taskboard/hub"
	"taskboard/storage"
)

func main() {
	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	var store domain.TaskStore
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr != "" {
		tasksTableName := os.Getenv("TASKS_TABLE")
		if tasksTableName == "" {
			logger.Fatal("missing TASKS_TABLE")
		}
		s, err := storage.New(connStr, tasksTableName)
		if err != nil {
			logger.Fatalf("storage: %v", err)
		}
		store = s
	} else {
		logger.Info("no STORAGE_CONNECTION_STRING, using in-memory store")
		store = storage.NewMemory()
	}

	var rc *redis.Client
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		redisOpts, err := redis.ParseURL(redisConn)
		if err != nil {
			parts := strings.Split(redisConn, ",")
			redisOpts = &redis.Options{Addr: parts[0]}
			for _, p := range parts[1:] {
				kv := strings.SplitN(p, "=", 2)
				if len(kv) != 2 {
					continue
				}
				switch strings.ToLower(kv[0]) {
				case "password":
					redisOpts.Password = kv[1]
				case "ssl":
					if strings.ToLower(kv[1]) == "true" {
						redisOpts.TLSConfig = &tls.Config{}
					}
				}
			}
		}
		rc = redis.NewClient(redisOpts)

		ttl := 30 * time.Second
		if v := os.Getenv("CACHE_TTL"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				logger.Fatalf("invalid CACHE_TTL: %v", err)
			}
			ttl = d
		}
		store = storage.NewCache(store, rc, ttl)
	}

	h := hub.New(store, logger)

	if rc != nil {
		channel := os.Getenv("BROADCAST_CHANNEL")
		if channel == "" {
			channel = "board-events"
		}
		bridge := hub.NewBridge(h, rc, channel, logger)
		go bridge.Run(context.Background())
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	api.Register(e, h, store, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
