// Command server runs the rental chat messaging core: the REST API, the
// /ws realtime gateway, presence, the cross-node relay and the e-mail
// notification workers.
//
// @title                      Rental Chat API
// @version                    1.0
// @BasePath                   /api/v1
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-rental-chat/internal/auth"
	"github.com/tbourn/go-rental-chat/internal/bus"
	"github.com/tbourn/go-rental-chat/internal/config"
	httpapi "github.com/tbourn/go-rental-chat/internal/http"
	"github.com/tbourn/go-rental-chat/internal/notify"
	"github.com/tbourn/go-rental-chat/internal/observability"
	"github.com/tbourn/go-rental-chat/internal/presence"
	"github.com/tbourn/go-rental-chat/internal/ratelimit"
	"github.com/tbourn/go-rental-chat/internal/realtime"
	"github.com/tbourn/go-rental-chat/internal/registry"
	"github.com/tbourn/go-rental-chat/internal/repo"
	"github.com/tbourn/go-rental-chat/internal/services"
	"github.com/tbourn/go-rental-chat/internal/sysutil"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const idempotencySweep = 10 * time.Minute

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := sysutil.NewLogger(os.Stdout, cfg.OTEL.ServiceName, cfg.LogLevel, cfg.LogPretty)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appVersion := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)

	// Persistence
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := db.Use(tracing.NewPlugin()); err != nil {
		log.Warn().Err(err).Msg("gorm tracing plugin")
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	store := repo.NewStore(db)

	// Relay and send limiter
	local := bus.NewLocal(bus.DefaultBuffer)
	var events bus.Bus = local
	var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.Messaging.SendLimit, cfg.Messaging.SendWindow)
	nodeID := ""
	if rdb := connectRedis(ctx, cfg.Redis, log); rdb != nil {
		defer func() { _ = rdb.Close() }()
		relay := bus.NewRedis(local, rdb, cfg.Redis.Channel, log)
		if err := relay.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("relay subscribe failed; events stay on this node")
		} else {
			defer func() { _ = relay.Close() }()
			events = relay
			nodeID = relay.NodeID()
		}
		if cfg.Messaging.SendBackend == "redis" {
			limiter = ratelimit.NewRedis(rdb, cfg.Messaging.SendLimit, cfg.Messaging.SendWindow, log)
		}
	} else if cfg.Messaging.SendBackend == "redis" {
		log.Warn().Msg("SEND_RATE_BACKEND=redis but redis is unreachable; using the in-process limiter")
	}

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTEL, appVersion, nodeID, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	// Presence
	reg := registry.New()
	tracker := presence.New(reg, events, presence.DefaultQueue, log.With().Str("component", "presence").Logger())
	go tracker.Run(ctx)

	// Notifications
	dispatcher := notify.NewDispatcher(
		store,
		notify.Composer{FrontendURL: cfg.Notify.FrontendURL, PreviewRunes: cfg.Notify.PreviewRunes},
		mailSender(cfg.Notify, log),
		cfg.Notify.Workers, cfg.Notify.QueueSize, cfg.Notify.Timeout,
		log.With().Str("component", "notify").Logger(),
	)
	defer dispatcher.Close()

	// Services
	convs := &services.ConversationService{Store: store, Bus: events, Log: log}
	msgs := &services.MessageService{
		Store:           store,
		Bus:             events,
		Limiter:         limiter,
		Presence:        tracker,
		Notifier:        dispatcher,
		Log:             log,
		MaxContentRunes: cfg.Messaging.MaxContentRunes,
		MaxAttachments:  cfg.Messaging.MaxAttachments,
		EditWindow:      cfg.Messaging.EditWindow,
		PreviewRunes:    cfg.Notify.PreviewRunes,
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	gw := realtime.NewGateway(reg, events, convs, msgs, verifier, cfg.CORS.AllowedOrigins, log.With().Str("component", "ws").Logger())
	gw.EventsRPS = cfg.WS.EventsRPS
	gw.EventsBurst = cfg.WS.EventsBurst

	go sweepIdempotency(ctx, db, log)

	// HTTP
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		Config:        cfg,
		Store:         store,
		Conversations: convs,
		Messages:      msgs,
		Presence:      tracker,
		Gateway:       gw.Handle,
		Verifier:      verifier,
		Log:           log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", appVersion).Str("node", nodeID).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// connectRedis returns a client when REDIS_URL is set and reachable.
func connectRedis(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) *redis.Client {
	if cfg.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Warn().Err(err).Msg("invalid REDIS_URL")
		return nil
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", opts.Addr).Msg("redis unreachable")
		_ = rdb.Close()
		return nil
	}
	log.Info().Str("addr", opts.Addr).Msg("redis connected")
	return rdb
}

func mailSender(cfg config.NotifyConfig, log zerolog.Logger) notify.Sender {
	if cfg.SMTPHost == "" {
		log.Info().Msg("SMTP_HOST not set; notifications are logged only")
		return notify.LogSender{Log: log.With().Str("component", "mail").Logger()}
	}
	return &notify.SMTPSender{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.From,
		FromName: cfg.FromName,
	}
}

// sweepIdempotency drops expired send keys until ctx is done.
func sweepIdempotency(ctx context.Context, db *gorm.DB, log zerolog.Logger) {
	t := time.NewTicker(idempotencySweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, time.Now().UTC())
			if err != nil {
				log.Warn().Err(err).Msg("purge idempotency keys")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("expired idempotency keys")
			}
		}
	}
}
