package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"classbook/internal/authz"
	"classbook/internal/cache"
	"classbook/internal/config"
	"classbook/internal/notify"
	"classbook/internal/service/booking"
	"classbook/internal/store"
	"classbook/internal/store/memory"
	"classbook/internal/store/postgres"
	grpcTransport "classbook/internal/transport/grpc"
	httpTransport "classbook/internal/transport/http"
	"classbook/migrations"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "classbook-server"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "classbook-server"),
	)
	slog.SetDefault(log)

	log.Info("starting",
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("database_driver", cfg.DatabaseDriver),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]httpTransport.Check{}

	var (
		bookings store.BookingStore
		owners   authz.Authorizer
	)
	switch cfg.DatabaseDriver {
	case config.DriverMemory:
		mem := memory.New()
		bookings, owners = mem, mem
		log.Warn("using in-memory store; data is lost on restart")
	default:
		log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
			log.Error("database connection failed", args...)
			os.Exit(1)
		}
		defer func() {
			if err := postgres.Close(db); err != nil {
				log.Warn("database close failed", slog.Any("err", err))
			}
		}()

		if cfg.AutoMigrate {
			applied, err := postgres.Migrate(ctx, db, migrations.FS)
			if err != nil {
				log.Error("database migration failed", slog.Any("err", err))
				os.Exit(1)
			}
			log.Info("database migrated", slog.Any("versions", applied))
		}

		bookings = postgres.NewBookingRepo(db)
		owners = postgres.NewOwnershipRepo(db)
	}
	checks["database"] = bookings.Ping

	if cfg.RedisAddr != "" {
		client, err := cache.NewRedisClient(ctx, cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Error("redis connection failed", slog.Any("err", err), slog.String("redis_addr", cfg.RedisAddr))
			os.Exit(1)
		}
		defer func() {
			if err := client.Close(); err != nil {
				log.Warn("redis close failed", slog.Any("err", err))
			}
		}()
		redisCache := cache.NewRedis(client, "classbook")
		owners = authz.NewCachedAuthorizer(owners, redisCache, cfg.OwnershipTTL, log.With(slog.String("component", "authz")))
		checks["redis"] = redisCache.Ping
	}

	var notifier booking.Notifier
	if cfg.AMQPURL != "" {
		publisher := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue, log.With(slog.String("component", "notify.amqp")))
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Warn("amqp close failed", slog.Any("err", err))
			}
		}()
		notifier = publisher
		checks["amqp"] = publisher.Ping
	} else {
		notifier = notify.NewLogNotifier(log.With(slog.String("component", "notify.log")))
	}

	svc := booking.NewService(bookings, owners,
		booking.WithNotifier(notifier),
		booking.WithLogger(log),
		booking.WithDefaultHorizon(cfg.DefaultHorizon),
		booking.WithEventQueue(cfg.NotifyQueueSize, cfg.NotifyTimeout),
	)

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpcTransport.RequestTimeoutInterceptor(cfg.GRPCRequestTimeout)),
	)
	grpcTransport.RegisterBookingServer(grpcServer, grpcTransport.NewBookingServer(svc, log))

	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpTransport.NewRouter(httpTransport.NewHealth(checks, 2*time.Second, log)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("servers started", slog.String("grpc_addr", cfg.GRPCAddr()), slog.String("http_addr", cfg.HTTPAddr))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdown(log, grpcServer, httpServer, cfg.ShutdownTimeout)
		drainEvents(log, svc, cfg.ShutdownTimeout)
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("server stopped with error", slog.Any("err", err))
			shutdown(log, grpcServer, httpServer, cfg.ShutdownTimeout)
			os.Exit(1)
		}
	}
}

func shutdown(log *slog.Logger, s *grpc.Server, h *http.Server, timeout time.Duration) {
	log.Info("shutting down servers", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		log.Warn("http shutdown failed", slog.Any("err", err))
	}

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-ctx.Done():
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

// drainEvents runs before the deferred notifier close so queued events still
// reach the broker.
func drainEvents(log *slog.Logger, svc *booking.Service, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		log.Warn("event queue not drained", slog.Any("err", err))
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
