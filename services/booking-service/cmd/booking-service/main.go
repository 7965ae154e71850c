package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/md-rashed-zaman/slotbook/libs/auth"
	"github.com/md-rashed-zaman/slotbook/libs/config"
	"github.com/md-rashed-zaman/slotbook/libs/grpcx"
	"github.com/md-rashed-zaman/slotbook/libs/httpx"
	otelx "github.com/md-rashed-zaman/slotbook/libs/otel"
	"github.com/md-rashed-zaman/slotbook/libs/runtime"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/engine"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/rpc"
)

func main() {
	_ = runtime.LoadDotEnv(".env")

	service := config.String("SERVICE_NAME", "booking-service")
	logger := runtime.NewLogger(service)

	cfg, err := loadConfig(service)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := runtime.SignalContext()
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("booking-service stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg serviceConfig, logger *slog.Logger) error {
	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
	}

	be, err := openBackend(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer be.Close()
	logger.Info("storage ready", "backend", cfg.Backend)

	eng := engine.New(be.providers, be.ledger, engine.Config{
		Location:       cfg.Location,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Logger:         logger,
	})

	mux := runtime.NewBaseMuxWithReady(be.checks...)
	handlers.NewBookingHandler(eng, logger, cfg.RoundUpHours).Register(mux)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(httpHandler(mux, cfg, rdb, logger), "booking"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv := grpcx.NewServer()
	rpc.RegisterBookingServiceServer(grpcSrv, rpc.NewServer(eng, logger, cfg.RoundUpHours))

	g, gctx := errgroup.WithContext(ctx)
	for _, work := range be.workers {
		g.Go(func() error { return work(gctx) })
	}
	g.Go(func() error {
		logger.Info("http server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return err
		}
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "err", err)
		}
		grpcSrv.GracefulStop()
		logger.Info("servers stopped")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func httpHandler(mux *http.ServeMux, cfg serviceConfig, rdb *redis.Client, logger *slog.Logger) http.Handler {
	var verifier *auth.Verifier
	if cfg.JWTSecret != "" || cfg.JWKSURL != "" {
		var jwks *auth.JWKSClient
		if cfg.JWKSURL != "" {
			jwks = auth.NewJWKSClient(cfg.JWKSURL, 5*time.Minute)
		}
		verifier = auth.NewVerifier(cfg.JWTSecret, jwks)
	}

	middleware := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	}
	if cfg.CORSOrigins != "" {
		middleware = append(middleware, httpx.WithCORS(httpx.BookingCORSPolicy(cfg.CORSOrigins)))
	}
	if cfg.RateLimit > 0 {
		if rdb != nil {
			rl := httpx.NewRedisRateLimiter(rdb, cfg.RateLimit, time.Minute, "slotbook:rl", httpx.ClientIP)
			middleware = append(middleware, rl.Middleware(logger, true))
		} else {
			middleware = append(middleware, httpx.NewRateLimiter(cfg.RateLimit, time.Minute, httpx.ClientIP).Middleware())
		}
	}
	middleware = append(middleware,
		httpx.WithBodyLimit(int64(cfg.BodyLimit)),
		httpx.WithTimeout(cfg.RequestTimeout),
		auth.WithUser(verifier),
	)
	return httpx.Chain(mux, middleware...)
}
