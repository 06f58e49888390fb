package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gridsim.dev/internal/bus"
	"gridsim.dev/internal/cluster"
	"gridsim.dev/internal/geom"
	"gridsim.dev/internal/manager"
	"gridsim.dev/internal/persistence/checkpoint"
	"gridsim.dev/internal/persistence/journal"
	"gridsim.dev/internal/physics"
	"gridsim.dev/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		configPath = flag.String("config", "./configs/cluster.yaml", "cluster config path (missing file: defaults)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		spawn      = flag.Int("spawn", 0, "seed N falling objects at startup")
		seed       = flag.Int64("seed", 1337, "rng seed for -spawn placement")
		artifacts  = flag.String("artifacts", "", "directory served to bootstrap clients (overrides config)")
		fresh      = flag.Bool("fresh", false, "ignore checkpointed state and start from an empty grid")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[manager] ", log.LstdFlags|log.Lmicroseconds)

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
	if strings.TrimSpace(*addr) != "" {
		cfg.Manager.ListenAddr = *addr
	}
	if strings.TrimSpace(*dataDir) != "" {
		cfg.Manager.DataDir = *dataDir
	}
	if strings.TrimSpace(*artifacts) != "" {
		cfg.Manager.ArtifactDir = *artifacts
	}
	_ = os.MkdirAll(cfg.Manager.DataDir, 0o755)

	store, err := checkpoint.Open(filepath.Join(cfg.Manager.DataDir, "coordination.db"))
	if err != nil {
		logger.Fatalf("open checkpoint store: %v", err)
	}
	defer store.Close()

	jnl := journal.New(cfg.Manager.DataDir)
	defer jnl.Close()

	rm := cfg.BuildMap()
	if !*fresh {
		if saved, ok, err := store.LoadMap(); err != nil {
			logger.Printf("load checkpointed map: %v", err)
		} else if ok {
			logger.Printf("resuming from checkpointed map v%d (%d regions)", saved.Version(), saved.Len())
			rm = saved
		}
	}

	mgr := manager.New(cfg.ManagerConfig(), rm, logger)
	if !*fresh {
		if health, err := store.LoadHealth(); err != nil {
			logger.Printf("load checkpointed health: %v", err)
		} else if len(health) > 0 {
			mgr.RestoreHealth(health)
			logger.Printf("restored %d runner records", len(health))
		}
	}

	broker := ws.NewBroker(bus.NewMemory(), logger)
	defer broker.Close()
	svc := manager.NewService(cfg.ServiceConfig(), mgr, broker, jnl, store, logger)

	if *spawn > 0 {
		svc.SeedObjects(spawnObjects(*spawn, *seed, cfg.DomainBounds()))
		logger.Printf("queued %d seed objects", *spawn)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bus", broker.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok tick=%d runners=%d\n", mgr.Tick(), len(mgr.Runners()))
	})
	if dir := strings.TrimSpace(cfg.Manager.ArtifactDir); dir != "" {
		registerArtifactRoutes(mux, dir, logger)
	}

	httpSrv := &http.Server{Addr: cfg.Manager.ListenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Printf("listening on %s", cfg.Manager.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http: %v", err)
		}
	}()

	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("service: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	store.Flush()
	logger.Printf("manager stopped at tick %d", mgr.Tick())
}

// spawnObjects scatters objects in the upper half of the domain so they
// fall through region boundaries and exercise migrations.
func spawnObjects(n int, seed int64, domain geom.AABB) []physics.Object {
	rng := rand.New(rand.NewSource(seed))
	ext := domain.Maxs.Sub(domain.Mins)
	out := make([]physics.Object, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, physics.Object{
			ID: fmt.Sprintf("obj-%04d", i),
			Pos: geom.Vec3{
				X: domain.Mins.X + rng.Float64()*ext.X,
				Y: domain.Mins.Y + ext.Y*(0.5+0.5*rng.Float64()),
				Z: domain.Mins.Z + rng.Float64()*ext.Z,
			},
			Rot: [4]float64{0, 0, 0, 1},
			LinVel: geom.Vec3{
				X: (rng.Float64() - 0.5) * 10,
				Z: (rng.Float64() - 0.5) * 10,
			},
		})
	}
	return out
}
