package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"grid-trader-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	dryRun := flag.Bool("dryRun", false, "强制 dry-run：只在内存中撮合，不向交易所下单")
	flag.Parse()

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *dryRun {
		c.ForceDryRun()
	}
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		log.Fatalf("启动失败: %v", err)
	}
	<-ctx.Done()
	stop()

	if err := c.Stop(); err != nil {
		log.Printf("停止时出错: %v", err)
	}
}
