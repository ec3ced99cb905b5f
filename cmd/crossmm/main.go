package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/crossmm/internal/app"
	"github.com/betbot/crossmm/pkg/config"
	"github.com/betbot/crossmm/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（.yaml/.yml），默认 yml/config.yaml（不存在则只用默认值和环境变量）")
	envFile := flag.String("env", ".env", "环境变量文件（不存在则忽略）")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envFile, err)
		os.Exit(1)
	}

	path := *configPath
	if path == "" {
		if _, err := os.Stat("yml/config.yaml"); err == nil {
			path = "yml/config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		PerRun:     cfg.Log.PerRun,
	}); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}
	defer logger.Close()
	if f := logger.GetCurrentLogFile(); f != "" {
		logrus.Infof("📝 日志文件: %s", f)
	}

	if !cfg.DryRun {
		// 交易所协议适配器由部署方实现 ports.MakerVenue / ports.HedgeVenue 并通过 app.New 注入
		logrus.Errorf("❌ 本构建未接入实盘交易所适配器，请设置 dry_run: true")
		os.Exit(1)
	}
	venues, _, _ := app.PaperVenues(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, venues)
	if err != nil {
		logrus.Errorf("❌ 初始化失败: %v", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		logrus.Errorf("❌ 启动失败: %v", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logrus.Info("🛑 收到退出信号，开始关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("❌ 关闭未完全成功: %v", err)
		logger.Close()
		os.Exit(2)
	}
	logrus.Info("✅ 已退出")
}
