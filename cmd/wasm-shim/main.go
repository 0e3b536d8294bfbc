package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"wasmshim/internal/common/mq"
	"wasmshim/internal/shim/bridge"
	"wasmshim/internal/shim/engine"
	"wasmshim/internal/shim/events"
	"wasmshim/internal/shim/httpapi"
	"wasmshim/internal/shim/journal"
	"wasmshim/internal/shim/metrics"
	"wasmshim/internal/shim/registry"
	"wasmshim/internal/shim/rpc"
	"wasmshim/internal/shim/task"
	"wasmshim/pkg/utils/logger"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const defaultConfigPath = "configs/wasm_shim.yaml"

// listenGRPC accepts "host:port" or "unix:///path/to.sock". A stale socket
// file from a previous run is removed before binding.
func listenGRPC(addr string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", addr)
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

	hub := httpapi.NewHub()
	sinks := []events.Sink{metrics.Sink{}, hub}

	if len(appCfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka.toMQConfig())
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = producer.Close()
		}()
		mqSink, err := events.NewMQSink(producer, appCfg.Kafka.Topic)
		if err != nil {
			logger.Error(context.Background(), "init event sink failed", zap.Error(err))
			return
		}
		sinks = append(sinks, mqSink)
	}

	var exitJournal *journal.Journal
	if appCfg.Journal.Addr != "" {
		exitJournal, err = journal.New(appCfg.Journal)
		if err != nil {
			logger.Error(context.Background(), "init journal failed", zap.Error(err))
			return
		}
		defer func() {
			_ = exitJournal.Close()
		}()
		sinks = append(sinks, journal.NewSink(exitJournal))
	}

	publisher := events.NewPublisher(&events.FanoutSink{Sinks: sinks})

	eng, err := engine.NewProcEngine(engine.ProcConfig{
		HelperPath:     appCfg.Engine.HelperPath,
		RuntimeCommand: appCfg.Engine.RuntimeCommand,
		RemoteAddr:     appCfg.Engine.RemoteAddr,
	})
	if err != nil {
		logger.Error(context.Background(), "init engine failed", zap.Error(err))
		return
	}

	svc := task.NewService(task.Options{
		Engine:                eng,
		Registry:              registry.New(),
		Publisher:             publisher,
		Bridge:                bridge.New(appCfg.Bridge.Workers),
		Sandbox:               appCfg.Sandbox.toSpec(),
		EngineFailureExitCode: appCfg.EngineFailureExitCode,
	})

	grpcListener, err := listenGRPC(appCfg.GRPC.Addr)
	if err != nil {
		logger.Error(context.Background(), "init grpc listener failed", zap.Error(err))
		return
	}
	grpcServer := grpc.NewServer()
	rpc.RegisterTaskService(grpcServer, svc)

	httpServer := httpapi.BuildServer(appCfg.Server, httpapi.NewController(svc, exitJournal, hub))

	errCh := make(chan error, 2)
	go func() {
		logger.Info(context.Background(), "task service started",
			zap.String("addr", appCfg.GRPC.Addr),
			zap.String("engine", eng.Name()))
		errCh <- grpcServer.Serve(grpcListener)
	}()
	go func() {
		logger.Info(context.Background(), "introspection server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server stopped", zap.Error(err))
		}
	case <-svc.Done():
		logger.Info(context.Background(), "shutdown requested over rpc")
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	grpcServer.GracefulStop()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	hub.Close()
	if err := svc.Shutdown(ctx, true); err != nil {
		logger.Error(context.Background(), "task service shutdown failed", zap.Error(err))
	}
}
