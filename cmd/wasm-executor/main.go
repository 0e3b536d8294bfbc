// wasm-executor is the remote half of distributed execution: it accepts
// module payloads from shims over gRPC and runs them with a local wasm
// runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wasmshim/internal/executor"
	"wasmshim/pkg/utils/logger"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "configs/wasm_executor.yaml"

// AppConfig holds wasm-executor config.
type AppConfig struct {
	Addr           string        `yaml:"addr"`
	RuntimeCommand string        `yaml:"runtimeCommand"`
	WorkDir        string        `yaml:"workDir"`
	RunTimeout     time.Duration `yaml:"runTimeout"`
	Logger         logger.Config `yaml:"logger"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}
	if cfg.Addr == "" {
		cfg.Addr = "0.0.0.0:9091"
	}
	if cfg.RuntimeCommand == "" {
		return nil, fmt.Errorf("runtime command is required")
	}
	return &cfg, nil
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	srv, err := executor.NewServer(appCfg.RuntimeCommand, appCfg.WorkDir, appCfg.RunTimeout)
	if err != nil {
		logger.Error(context.Background(), "init executor failed", zap.Error(err))
		return
	}

	listener, err := net.Listen("tcp", appCfg.Addr)
	if err != nil {
		logger.Error(context.Background(), "init listener failed", zap.Error(err))
		return
	}

	grpcServer := grpc.NewServer()
	executor.Register(grpcServer, srv)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "executor started", zap.String("addr", appCfg.Addr))
		errCh <- grpcServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error(context.Background(), "grpc server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}
	grpcServer.GracefulStop()
}
