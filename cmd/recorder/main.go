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
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"orderbook-recorder/internal/container"
)

const startupTimeout = 30 * time.Second

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	envFile := flag.String("env-file", ".env", "环境变量文件（DATABASE_URL、BACKTEST_PORT 等），不存在则忽略")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load env file %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	c, err := container.New(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buildCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	err = c.Build(buildCtx)
	cancel()
	if err != nil {
		// 启动时连不上存储直接退出
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := c.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		_ = c.Stop()
		os.Exit(1)
	}
	// 非 systemd 环境下 SdNotify 返回 (false, nil)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err := c.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
	os.Exit(0)
}
