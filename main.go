package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/caarlos0/env/v11"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskdeck/api"
	"taskdeck/controller"
	"taskdeck/realtime"
	"taskdeck/session"
	"taskdeck/storage"
)

type config struct {
	Debug bool `env:"DEBUG"`

	StorageConnString string `env:"STORAGE_CONNECTION_STRING,required"`
	TasksTable        string `env:"TASKS_TABLE" envDefault:"tasks"`
	ProjectsTable     string `env:"PROJECTS_TABLE" envDefault:"projects"`
	MembersTable      string `env:"MEMBERS_TABLE" envDefault:"members"`
	UsersTable        string `env:"USERS_TABLE" envDefault:"users"`
	CommandQueue      string `env:"COMMAND_QUEUE" envDefault:"commands"`

	RedisConnString string        `env:"REDIS_CONNECTION_STRING,required"`
	CacheTTL        time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	ProfileTTL      time.Duration `env:"PROFILE_TTL" envDefault:"1h"`
	DedupeTTL       time.Duration `env:"DEDUPE_TTL" envDefault:"24h"`
	UpdatesChannel  string        `env:"READ_MODEL_UPDATES_CHANNEL" envDefault:"read-model-updates"`

	LocalAuthMode string `env:"LOCAL_AUTH_MODE"`
	AuthAudience  string `env:"AUTH_AUDIENCE"`
	AuthDomain    string `env:"AUTH_DOMAIN"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	store, err := storage.New(cfg.StorageConnString, storage.Tables{
		Tasks:    cfg.TasksTable,
		Projects: cfg.ProjectsTable,
		Members:  cfg.MembersTable,
		Users:    cfg.UsersTable,
	}, cfg.CommandQueue)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}

	rc := redis.NewClient(redisOptions(logger, cfg.RedisConnString))
	cache := storage.NewCache(store, rc, cfg.CacheTTL)

	auth := buildAuth(logger, cfg)
	sess := session.New(auth, store, rc, cfg.ProfileTTL)
	board := controller.New(cache, logger)

	// When the session switches identity, warm the board for the new
	// user so the first projection request does not pay the fetch.
	sess.OnChange(func(userID string) {
		if userID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := board.EnsureUser(ctx, userID); err != nil {
			logger.Warnf("preload board for %s: %v", userID, err)
		}
	})

	go realtime.Subscribe(context.Background(), logger, rc, cache, cfg.UpdatesChannel, board)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(echoprometheus.NewMiddleware("taskdeck"))
	e.GET("/metrics", echoprometheus.NewHandler())

	deduper := api.NewRedisDeduper(rc, cfg.DedupeTTL)
	api.Register(e, board, sess, deduper, sess, cache, store, logger)

	e.Logger.Fatal(e.Start(cfg.ListenAddr))
}

func buildAuth(logger *log.Logger, cfg config) *session.Auth {
	if cfg.LocalAuthMode != "" {
		return session.NewAuth(nil, "", "")
	}
	if cfg.AuthAudience == "" || cfg.AuthDomain == "" {
		logger.Fatal("missing auth config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		logger.Fatalf("jwks: %v", err)
	}
	return session.NewAuth(jwks, cfg.AuthAudience, "https://"+cfg.AuthDomain+"/")
}

// redisOptions accepts either a redis URL or the comma-separated
// host,key=value form used by hosted caches.
func redisOptions(logger *log.Logger, conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
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
		default:
			logger.Debugf("ignoring redis option %q", kv[0])
		}
	}
	return opts
}
