package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/drenlia/easy-kanban-sub004/activity"
	"github.com/drenlia/easy-kanban-sub004/api"
	"github.com/drenlia/easy-kanban-sub004/publish"
	"github.com/drenlia/easy-kanban-sub004/storage"
)

func main() {
	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
		log.SetLevel(log.DebugLevel)
	}

	resolver := buildResolver(logger)

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(parseRedisOptions(redisConn))

	cacheTTL := 30 * time.Second
	if v := os.Getenv("BOARD_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid BOARD_CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	cache := storage.NewBoardCache(rc, cacheTTL, logger)
	publisher := publish.New(rc, logger)

	testMode := os.Getenv("AUTH_TEST_MODE") == "1"
	var auth *api.Auth
	if testMode {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	activityLogger := buildActivityLogger(resolver, logger)
	defer activityLogger.Shutdown()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(api.GzipRequestMiddleware())

	broker := api.Register(e, api.Deps{
		Stores:    resolver,
		Auth:      auth,
		Publisher: publisher,
		Cache:     cache,
		Activity:  activityLogger,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go api.SubscribeUpdates(ctx, logger, rc, broker)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

// buildResolver opens tenant stores lazily against MySQL, or serves a single
// local tenant from SQLite when SQLITE_PATH is set. The local mode exists for
// development and CI.
func buildResolver(logger *log.Logger) *storage.Resolver {
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		store, err := storage.OpenSQLite(path)
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		if err := store.AutoMigrate(); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		tenantID := os.Getenv("LOCAL_TENANT")
		if tenantID == "" {
			tenantID = "local"
		}
		resolver := storage.NewResolver(nil)
		resolver.Register(tenantID, store)
		logger.Infof("serving tenant %q from %s", tenantID, path)
		return resolver
	}

	host := os.Getenv("MYSQL_HOST")
	user := os.Getenv("MYSQL_USER")
	password := os.Getenv("MYSQL_PASSWORD")
	dbTemplate := os.Getenv("MYSQL_DB_TEMPLATE")
	if host == "" || user == "" || dbTemplate == "" {
		log.Fatal("missing mysql config")
	}
	port := 3306
	if v := os.Getenv("MYSQL_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatalf("invalid MYSQL_PORT: %v", err)
		}
		port = n
	}
	return storage.NewResolver(storage.MySQLOpener(host, port, user, password, dbTemplate))
}

// buildActivityLogger picks the audit sink: the Azure queue when
// ACTIVITY_QUEUE is configured, the tenant database otherwise.
func buildActivityLogger(resolver *storage.Resolver, logger *log.Logger) *activity.Logger {
	var sink activity.Sink
	if queueName := os.Getenv("ACTIVITY_QUEUE"); queueName != "" {
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		if connStr == "" {
			log.Fatal("ACTIVITY_QUEUE set but STORAGE_CONNECTION_STRING missing")
		}
		qs, err := activity.NewQueueSink(connStr, queueName)
		if err != nil {
			log.Fatalf("activity queue: %v", err)
		}
		sink = qs
	} else {
		sink = activity.NewStoreSink(resolver)
	}

	cfg := activity.Config{}
	if v := os.Getenv("ACTIVITY_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatalf("invalid ACTIVITY_WORKERS: %v", err)
		}
		cfg.Workers = n
	}
	return activity.NewLogger(sink, logger, cfg)
}

// parseRedisOptions accepts a redis:// URL or the comma-separated
// host:port,key=value form that managed caches hand out.
func parseRedisOptions(connStr string) *redis.Options {
	opts, err := redis.ParseURL(connStr)
	if err == nil {
		return opts
	}
	parts := strings.Split(connStr, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
