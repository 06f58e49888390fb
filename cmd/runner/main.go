package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gridsim.dev/internal/cluster"
	"gridsim.dev/internal/physics"
	"gridsim.dev/internal/protocol"
	"gridsim.dev/internal/runner"
	"gridsim.dev/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/cluster.yaml", "cluster config path (missing file: defaults)")
		managerURL = flag.String("manager", "", "manager bus url (overrides config)")
		runnerID   = flag.String("id", "", "reclaim a previous runner id after restart")
		engineName = flag.String("engine", "", "physics engine (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[runner] ", log.LstdFlags|log.Lmicroseconds)

	cfgPath := strings.TrimSpace(*configPath)
	if cfgPath != "" {
		if _, err := os.Stat(cfgPath); err != nil {
			logger.Printf("config %s not found; using defaults", cfgPath)
			cfgPath = ""
		}
	}
	cfg, err := cluster.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(*managerURL) != "" {
		cfg.Runner.ManagerURL = *managerURL
	}
	if strings.TrimSpace(*engineName) != "" {
		cfg.Runner.Engine = *engineName
	}

	engine, err := buildEngine(cfg.Runner.Engine)
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	b, err := ws.Dial(dialCtx, cfg.Runner.ManagerURL, logger)
	cancel()
	if err != nil {
		logger.Fatalf("dial %s: %v", cfg.Runner.ManagerURL, err)
	}
	defer b.Close()

	id, rm, tick, err := runner.Register(ctx, b, strings.TrimSpace(*runnerID), protocol.Capabilities{
		MaxObjects: cfg.Runner.MaxObjects,
		Engine:     cfg.Runner.Engine,
	})
	if err != nil {
		logger.Fatalf("register: %v", err)
	}
	logger.Printf("registered as %s at tick %d (map v%d, %d regions)", id, tick, rm.Version(), rm.Len())

	agent := runner.New(id, rm, runner.Config{
		Engine:            engine,
		RetryTicks:        cfg.Migration.RetryTicks,
		MaxAttempts:       cfg.Migration.MaxAttempts,
		DedupeWindowTicks: cfg.Migration.DedupeWindowTicks,
		DrainTimeout:      cfg.DrainTimeout(),
	}, b, logger)

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("agent: %v", err)
	}
	logger.Printf("runner %s stopped at tick %d", id, agent.Tick())
}

func buildEngine(name string) (physics.Adapter, error) {
	switch name {
	case "", "ballistic":
		return physics.NewBallistic(), nil
	default:
		return nil, errors.New("unknown engine: " + name)
	}
}
