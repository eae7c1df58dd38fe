// Command agent runs a single A2A agent: identity, auth, messaging,
// discovery, and transport wired together by internal/runtime. Override
// its configuration with the A2A_AGENT_ID, A2A_AGENT_CAPABILITIES, and
// A2A_AGENT_ENDPOINT environment variables; everything else follows
// internal/config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/a2a-core/agenthub/internal/config"
	"github.com/a2a-core/agenthub/internal/observability"
	"github.com/a2a-core/agenthub/internal/runtime"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("shutting down agent...")
		cancel()
	}()

	appConfig := config.Load()

	agentID := getEnv("A2A_AGENT_ID", "agent_default")
	capabilities := strings.Split(getEnv("A2A_AGENT_CAPABILITIES", "a2a:messaging,a2a:discovery"), ",")
	endpoint := getEnv("A2A_AGENT_ENDPOINT", "http://localhost:"+appConfig.Transport.Port)

	obsConfig := observability.DefaultConfig(agentID)
	obs, err := observability.NewObservability(obsConfig)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize observability: %v", err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			obs.Logger.ErrorContext(shutdownCtx, "error during observability shutdown", "error", err)
		}
	}()

	traceManager := observability.NewTraceManager(agentID)
	metricsManager, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize metrics: %v", err))
	}

	rtConfig := runtime.Config{
		AgentID:           agentID,
		Name:              agentID,
		Description:       "A2A agent",
		Capabilities:      capabilities,
		Endpoint:          endpoint,
		IdentityDir:       appConfig.Identity.StorageDir,
		RegistryFile:      appConfig.Discovery.RegistryFile,
		Protocol:          appConfig.Transport.Protocol,
		TransportAddr:     appConfig.Transport.Host + ":" + appConfig.Transport.Port,
		CertFile:          appConfig.Transport.CertFile,
		KeyFile:           appConfig.Transport.KeyFile,
		MaxTransportConns: appConfig.Transport.MaxConnections,
		TransportTimeout:  int64(appConfig.Transport.Timeout.Seconds()),
	}

	rt, err := runtime.New(rtConfig, traceManager, metricsManager, obs.Logger)
	if err != nil {
		panic(fmt.Sprintf("failed to build agent runtime: %v", err))
	}

	if err := rt.Initialize(ctx); err != nil {
		obs.Logger.ErrorContext(ctx, "failed to initialize agent", "error", err)
		panic(err)
	}

	healthServer := observability.NewHealthServer(appConfig.HealthPort, agentID, "0.1.0")
	healthServer.AddChecker("runtime", observability.NewBasicHealthChecker("runtime", func(ctx context.Context) error {
		if rt.State() != runtime.StateRunning {
			return fmt.Errorf("agent is not running")
		}
		return nil
	}))
	go func() {
		if err := healthServer.Start(ctx); err != nil {
			obs.Logger.ErrorContext(ctx, "health server stopped with error", "error", err)
		}
	}()
	defer healthServer.Shutdown(context.Background())

	if err := rt.Start(ctx); err != nil {
		obs.Logger.ErrorContext(ctx, "failed to start agent", "error", err)
		panic(err)
	}
	defer rt.Stop(context.Background())

	obs.Logger.InfoContext(ctx, "agent started", "agent_id", agentID, "endpoint", endpoint, "capabilities", capabilities)

	<-ctx.Done()
	obs.Logger.InfoContext(context.Background(), "agent stopped", "agent_id", agentID)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
