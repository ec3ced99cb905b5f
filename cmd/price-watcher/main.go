package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/crossmm/internal/app"
	"github.com/betbot/crossmm/internal/domain"
	"github.com/betbot/crossmm/pkg/config"
	"github.com/betbot/crossmm/pkg/logger"
)

// price-watcher 只运行公允价聚合，打印每个价格源和中位数，用于上线前检查价格源配置。
func main() {
	configPath := flag.String("config", "", "配置文件路径")
	interval := flag.Duration("interval", time.Second, "打印间隔")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(logger.Config{Level: cfg.Log.Level}); err != nil {
		panic(err)
	}

	// 没有对冲交易所连接，hedge_mid 价格源在这里不可用
	agg, streams, err := app.PriceFeed(cfg, nil)
	if err != nil {
		logrus.Fatalf("创建价格源失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	for _, st := range streams {
		st.OnUpdate(func(r domain.Reading) {
			logrus.Debugf("📈 %s %s", r.Source, r.Price)
		})
		go st.Run(ctx)
	}

	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("🚀 公允价监控: %d 个价格源, max_age=%s\n", len(cfg.Price.Sources), cfg.Price.MaxAge)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	agg.Subscribe(func(r domain.Reading) {
		fmt.Printf("[%s] fair=%s source=%s age=%s\n",
			time.Now().Format("15:04:05"), r.Price, r.Source, time.Since(r.At).Truncate(time.Millisecond))
	})
	agg.Run(ctx, *interval)
	fmt.Println("\n🛑 已退出")
}
