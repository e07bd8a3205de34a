package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/airel/go-tic/internal/config"
	"github.com/airel/go-tic/internal/logger"
	"github.com/airel/go-tic/internal/recorder"
	"github.com/airel/go-tic/internal/storage"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 命令行参数
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		connection  = flag.String("connection", "", "设备连接字符串（覆盖配置文件）")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *connection != "" {
		cfg.Connection = *connection
	}

	// 记录文件时间戳使用的时区
	loc := time.UTC
	if cfg.System.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.System.Timezone)
		if err != nil {
			logger.Fatal("无效的时区配置",
				zap.String("timezone", cfg.System.Timezone),
				zap.Error(err))
		}
	}

	logger.Info("启动TIC记录采集器",
		zap.String("version", Version),
		zap.String("connection", cfg.Connection),
		zap.Bool("multi_device", cfg.Recorder.MultiDevice),
		zap.String("timezone", loc.String()),
	)

	// 可选的记录数据库
	var db *storage.Database
	if cfg.Storage.Enabled {
		var err error
		db, err = storage.Open(&cfg.Storage)
		if err != nil {
			logger.Fatal("打开数据库失败", zap.Error(err))
		}
		defer db.Close()
	}

	// USB上下文，串口连接时不扫描但保持统一的生命周期
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	// 信号处理
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("收到退出信号", zap.String("signal", sig.String()))
		cancel()
	}()

	var err error
	if cfg.Recorder.MultiDevice {
		manager := recorder.NewManager(cfg, usbCtx, loc, db)
		err = manager.Run(ctx)
	} else {
		err = recorder.Run(ctx, usbCtx, cfg.Connection, cfg, loc, db)
	}

	if err != nil && err != context.Canceled {
		logger.Error("采集器异常退出", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("采集器已安全退出")
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("ticrecorder %s\n", Version)
	fmt.Printf("  构建时间: %s\n", BuildTime)
	fmt.Printf("  Git提交: %s\n", GitCommit)
}
