// cmd/devserver — 开发/联调服务端入口。
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fkteams/webchat/internal/config"
	"github.com/fkteams/webchat/internal/devserver"
	"github.com/fkteams/webchat/pkg/logger"
	"github.com/fkteams/webchat/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	srv, err := devserver.New(cfg.HistoryDir)
	if err != nil {
		logger.Fatal("devserver init failed", logger.Any(logger.FieldError, err))
	}

	httpSrv := &http.Server{
		Addr:    cfg.DevListenAddr,
		Handler: srv.Router(),
	}

	util.SafeGo(func() {
		logger.Info("devserver listening",
			logger.FieldAddr, cfg.DevListenAddr,
			logger.FieldPath, cfg.HistoryDir)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("devserver failed", logger.Any(logger.FieldError, err))
		}
	})

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("devserver shutdown failed", logger.FieldError, err)
	}
	logger.Info("devserver stopped")
}
