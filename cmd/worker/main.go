package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/feichai0017/compliance-processor/config"
	"github.com/feichai0017/compliance-processor/internal/app"
	"github.com/feichai0017/compliance-processor/internal/app/native"
	"github.com/feichai0017/compliance-processor/pkg/logger"
	"github.com/feichai0017/compliance-processor/pkg/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the yaml config")
	envFile := flag.String("env", ".env", "optional .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		panic(err)
	}

	// 初始化日志
	log, err := logger.NewLogger(
		logger.FromConfig(cfg.Log),
		logger.WithInitialFields(map[string]interface{}{"role": "worker"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.Queue.Backend != "asynq" {
		log.Fatal("Worker requires queue.backend=asynq", logger.String("backend", cfg.Queue.Backend))
	}

	// 创建上下文和取消函数
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

	// 创建 worker
	w := worker.NewAsynqWorker(worker.Config{
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		Concurrency:   cfg.Queue.Concurrency,
	}, log)
	for taskType, h := range services.Handlers() {
		w.Handle(taskType, h)
	}

	// 启动 worker
	if err := w.Start(ctx); err != nil {
		log.Fatal("Failed to start worker", logger.Error(err))
	}
	go services.RunCleanup(ctx)

	// 等待中断信号
	<-ctx.Done()

	// 优雅关闭
	log.Info("Shutting down worker...")
	if err := w.Stop(); err != nil {
		log.Error("Failed to stop worker", logger.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := services.Close(shutdownCtx); err != nil {
		log.Error("Failed to release services", logger.Error(err))
	}
	log.Info("Worker stopped")
}
