// Command orchestrator runs the orchestrator agent: a runtime.Runtime
// with capability a2a:orchestration plus a workflow executor that
// assigns ready tasks to capable agents discovered through the
// registry. No message handler creates workflows: they are created only
// through the orchestrator package's CreateWorkflow/AddTask/StartWorkflow
// API, which this binary does not call, so it hosts the runtime and the
// orchestrator's message handlers, and no executor loop runs here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/a2a-core/agenthub/internal/config"
	"github.com/a2a-core/agenthub/internal/observability"
	"github.com/a2a-core/agenthub/internal/orchestrator"
	"github.com/a2a-core/agenthub/internal/runtime"
)

const orchestratorAgentID = "agent_orchestrator"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("shutting down orchestrator...")
		cancel()
	}()

	appConfig := config.Load()

	obsConfig := observability.DefaultConfig(orchestratorAgentID)
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

	traceManager := observability.NewTraceManager(orchestratorAgentID)
	metricsManager, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize metrics: %v", err))
	}

	rtConfig := runtime.Config{
		AgentID:           orchestratorAgentID,
		Name:              orchestratorAgentID,
		Description:       "Workflow orchestrator",
		Capabilities:      []string{"a2a:orchestration"},
		Endpoint:          "http://" + appConfig.Transport.Host + ":" + appConfig.Transport.Port,
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
		panic(fmt.Sprintf("failed to build orchestrator runtime: %v", err))
	}

	if err := rt.Initialize(ctx); err != nil {
		obs.Logger.ErrorContext(ctx, "failed to initialize orchestrator", "error", err)
		panic(err)
	}

	orchestrator.New(rt, appConfig.Orchestrator.AssignmentCycle, appConfig.Orchestrator.StallCycle, obs.Logger)

	healthServer := observability.NewHealthServer(appConfig.HealthPort, orchestratorAgentID, "0.1.0")
	healthServer.AddChecker("runtime", observability.NewBasicHealthChecker("runtime", func(ctx context.Context) error {
		if rt.State() != runtime.StateRunning {
			return fmt.Errorf("orchestrator is not running")
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
		obs.Logger.ErrorContext(ctx, "failed to start orchestrator", "error", err)
		panic(err)
	}
	defer rt.Stop(context.Background())

	obs.Logger.InfoContext(ctx, "orchestrator started", "agent_id", orchestratorAgentID)

	<-ctx.Done()
	obs.Logger.InfoContext(context.Background(), "orchestrator stopped", "agent_id", orchestratorAgentID)
}
