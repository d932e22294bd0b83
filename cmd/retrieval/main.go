package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/coursehub/retrieval-go/app/bootstrap"
	"github.com/coursehub/retrieval-go/internal/logger"
	"go.uber.org/zap"
)

func main() {
	app, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to bootstrap retrieval worker: %v", err)
	}
	defer app.Shutdown()

	bootstrap.SetGlobalApp(app)

	logger.Info("🚀 Retrieval worker started",
		zap.String("backend", app.GetStoreClient().Backend()))

	// 阻塞等待退出信号，摄取消费者与指标服务都在后台运行
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Received shutdown signal, stopping", zap.String("signal", sig.String()))
}
