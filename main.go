package main

import (
	"TensorPrepServer/config"
	"TensorPrepServer/engine"
	"TensorPrepServer/logger"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	mode := flag.String("mode", "run", "run: classify the configured images and exit; serve: start the HTTP/gRPC workers")
	dev := flag.Bool("dev", false, "human readable development logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to read config file:", err)
		os.Exit(1)
	}
	if *dev {
		err = logger.InitDevelopment(cfg.LogLevel)
	} else {
		err = logger.InitProduction(cfg.LogLevel)
	}
	if err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	effs, err := cfg.Effective()
	if err != nil {
		logger.Log().Error("invalid configuration", zap.String("config", *configPath), zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer engine.DestroyEnvironment()

	banner(effs[0])
	switch *mode {
	case "run":
		for _, c := range effs {
			err := runBatch(ctx, c, os.Stdout)
			if errors.Is(err, context.Canceled) {
				break
			}
			if err != nil {
				logger.Log().Error("run failed", zap.String("conf", c.Name), zap.Error(err))
				os.Exit(1)
			}
		}
	case "serve":
		if len(effs) > 1 {
			logger.Log().Warn("serve mode uses the first confs entry only", zap.Int("confs", len(effs)))
		}
		if err := serve(ctx, effs[0]); err != nil {
			logger.Log().Error("serve failed", zap.Error(err))
			os.Exit(1)
		}
	default:
		fmt.Printf("unknown mode %q, want run or serve\n", *mode)
		os.Exit(2)
	}
}

func banner(c config.Config) {
	CPUNum := runtime.NumCPU()
	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", CPUNum)
	fmt.Println("Preset:", c.Preset, fmt.Sprintf("%dx%d", c.Width, c.Height))
	fmt.Println("Configured Workers Num:", c.Engine.Workers)
	fmt.Println("Batch size:", c.BatchSize)
	fmt.Println(strings.Repeat("#", 64))
	if c.Engine.Workers > CPUNum {
		fmt.Println(strings.Repeat("!", 64))
		fmt.Println("Please noted that workersNum exceeds CPU cores, which may lead to performance degradation.")
		fmt.Println(strings.Repeat("!", 64))
	}
	fmt.Println("")
}
