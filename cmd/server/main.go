package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/feichai0017/compliance-processor/api/handlers"
	"github.com/feichai0017/compliance-processor/api/middleware"
	"github.com/feichai0017/compliance-processor/api/routes"
	"github.com/feichai0017/compliance-processor/config"
	"github.com/feichai0017/compliance-processor/internal/app"
	"github.com/feichai0017/compliance-processor/internal/app/native"
	"github.com/feichai0017/compliance-processor/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the yaml config")
	envFile := flag.String("env", ".env", "optional .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		panic(err)
	}

	// init logger
	log, err := logger.NewLogger(
		logger.FromConfig(cfg.Log),
		logger.WithInitialFields(map[string]interface{}{"role": "server"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := native.Options(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize OCR providers", logger.Error(err))
	}
	services, err := app.New(ctx, cfg, log, opts...)
	if err != nil {
		log.Fatal("Failed to initialize services", logger.Error(err))
	}

	// background cleanup only runs here when no dedicated worker exists
	if cfg.Queue.Backend != "asynq" {
		go services.RunCleanup(ctx)
	}

	// init handlers
	h := handlers.NewHandlers(services.Documents, services.Jobs, services.Runner, services.Orchestrator, cfg.Upload.MaxFileSize, log)
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.RequestLogger(log))

	routeOpts := routes.Options{CORSOrigins: cfg.Server.CORSOrigins}
	if cfg.Server.RateLimit.Enabled {
		if services.Redis != nil {
			routeOpts.RateLimit = middleware.NewRateLimiter(middleware.RateLimiterConfig{
				Client: services.Redis,
				Limit:  cfg.Server.RateLimit.Requests,
				Window: cfg.Server.RateLimit.Window,
				Logger: log,
			})
		} else {
			log.Warn("Rate limiting disabled: no redis configured")
		}
	}
	routes.SetupRoutes(r, h, routeOpts)

	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatal("Failed to listen for gRPC", logger.String("addr", cfg.Server.GRPCAddr), logger.Error(err))
	}
	go func() {
		log.Info("gRPC health server starting", logger.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("gRPC server error", logger.Error(err))
		}
	}()

	// start server
	go func() {
		log.Info("Server starting", logger.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
	grpcServer.GracefulStop()
	if err := services.Close(shutdownCtx); err != nil {
		log.Error("Failed to release services", logger.Error(err))
	}
	log.Info("Server stopped")
}
