// The hub daemon. Loads configuration, wires the validation pipeline,
// project aggregate, session registry, VFS and stream surfaces, and
// serves the REST control plane until SIGTERM.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/forgegate/hub/internal/api"
	"github.com/forgegate/hub/internal/archive"
	"github.com/forgegate/hub/internal/astmeta"
	"github.com/forgegate/hub/internal/audit"
	"github.com/forgegate/hub/internal/cache"
	"github.com/forgegate/hub/internal/config"
	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/dispatcher"
	"github.com/forgegate/hub/internal/escalation"
	"github.com/forgegate/hub/internal/events"
	"github.com/forgegate/hub/internal/eventstore"
	"github.com/forgegate/hub/internal/infra"
	"github.com/forgegate/hub/internal/metrics"
	"github.com/forgegate/hub/internal/middleware"
	"github.com/forgegate/hub/internal/monitor"
	"github.com/forgegate/hub/internal/pattern"
	"github.com/forgegate/hub/internal/policy"
	"github.com/forgegate/hub/internal/project"
	"github.com/forgegate/hub/internal/service"
	"github.com/forgegate/hub/internal/session"
	"github.com/forgegate/hub/internal/stream"
	"github.com/forgegate/hub/internal/timetravel"
	"github.com/forgegate/hub/internal/vfs"
)

func main() {
	var (
		configPath   = flag.String("config", "", "config file path (default $FORGEGATE_CONFIG)")
		projectsPath = flag.String("projects", "", "per-project override file (default $FORGEGATE_PROJECTS)")
		projectID    = flag.String("project", "default", "project aggregate this daemon coordinates")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := loadConfig(*configPath, *projectsPath, *projectID)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New(log.Writer(), "[Hub] ", log.LstdFlags)
	logger.Printf("starting: env=%s port=%d storage=%s project=%s",
		cfg.Server.Env, cfg.Server.Port, cfg.Storage.Backend, *projectID)

	met := metrics.NewMetrics()
	perf := metrics.NewPerfTracker()

	// Event storage.
	store, snaps, closeStore, err := buildStorage(cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeStore()

	// Decision pipeline.
	catalog := core.NewToolCatalog()
	l1 := cache.NewMemoryCache(cfg.Cache.MemoryCacheSize, cfg.Cache.HotThreshold, cfg.Cache.BloomFPRate)
	l2 := buildPolicyEngine(cfg, logger)
	l3 := pattern.NewPredictor(pattern.NewExtractor(catalog), pattern.NewWeightedClassifier(), pattern.PredictorOptions{
		ConfidenceThreshold: cfg.Pattern.ConfidenceThreshold,
		PredictionTTL:       cfg.Pattern.PredictionTTL,
		PredictionCapacity:  cfg.Pattern.PredictionCapacity,
	})
	disp := dispatcher.New(catalog, l1, l2, l3, dispatcher.Options{
		RatePerSecond:      cfg.Dispatcher.RatePerSecond,
		AdaptiveLatencyMs:  cfg.Dispatcher.AdaptiveLatencyMs,
		AdaptiveFactor:     cfg.Dispatcher.AdaptiveFactor,
		ExpertTimeout:      cfg.Dispatcher.ExpertTimeout,
		ExpertQueueSize:    cfg.Dispatcher.ExpertQueueSize,
		BreakerThreshold:   cfg.Dispatcher.BreakerThreshold,
		BreakerBaseBackoff: cfg.Dispatcher.BreakerBaseBackoff,
		BreakerMaxBackoff:  cfg.Dispatcher.BreakerMaxBackoff,
	}, met, perf)
	defer disp.Experts().Close()

	// Project aggregates gate every command through the pipeline.
	rules := project.NewRules(cfg.Project.MaxFileSize, cfg.Project.AllowedExtensions, cfg.Project.ProtectedPaths)
	projects := project.NewManager(store, rules, disp)

	// Decision ledger, optionally archived to Supabase.
	var archiveSink audit.ArchiveSink
	if cfg.Storage.SupabaseURL != "" && cfg.Storage.SupabaseKey != "" {
		client, err := archive.NewSupabaseClient(cfg.Storage.SupabaseURL, cfg.Storage.SupabaseKey)
		if err != nil {
			logger.Printf("supabase archive disabled: %v", err)
		} else {
			archiveSink = archive.NewSupabaseArchive(client)
			logger.Printf("decision records archived to Supabase")
		}
	}
	ledger := audit.NewLedger(archiveSink)

	svc := service.New(disp, projects, ledger, service.Options{ProjectID: *projectID})

	// Stream fan-out and named pipes.
	hub := stream.NewHub(met, stream.HubOptions{
		DefaultBufferSize: cfg.Stream.BufferSize,
		BackpressureLimit: cfg.Stream.BackpressureLimit,
		SendTimeout:       cfg.Stream.SendTimeout,
	})
	pipes := stream.NewPipeSet(cfg.Stream.PipeCapacity, met)
	svc.AttachStreams(hub, pipes)

	// Optional Redis: snapshot KV store plus cross-instance stream bridge.
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	if cfg.Storage.RedisAddr != "" {
		redis, err := infra.NewGoRedisAdapter(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
		if err != nil {
			logger.Printf("redis disabled: %v", err)
		} else {
			defer redis.Close()
			if snaps == nil {
				snaps = eventstore.NewKVSnapshotStore(redis, "forgegate:snapshot:", 24*time.Hour)
			}
			if err := hub.AttachBridge(bridgeCtx, redis.Bridge("")); err != nil {
				logger.Printf("stream bridge disabled: %v", err)
			}
		}
	}

	// Sessions and authorization.
	master := resolveMasterSecret(cfg, logger)
	sessionAudit := session.NewAuditLog()
	registry := session.NewRegistry(master, sessionAudit, met, session.RegistryOptions{
		IdleTimeout: cfg.Session.Timeout,
		MaxPerAgent: cfg.Session.MaxConcurrentSessions,
	})
	authorizer := session.NewAuthorizer(registry, sessionAudit, met, session.AuthorizerOptions{
		OpsPerMinute: cfg.Session.OpsPerMinute,
	})

	recon := timetravel.NewReconstructor(store, snaps, perf, timetravel.Options{})

	fs := vfs.New(vfs.Config{
		ProjectID:    *projectID,
		OpsPerSecond: cfg.VFS.OpsPerSecond,
		StreamNames:  cfg.Stream.Pipes,
	}, vfs.Deps{
		Projects:      projects,
		Reconstructor: recon,
		Sessions:      registry,
		Authorizer:    authorizer,
		Guard:         session.NewGuard(),
		Annotations:   astmeta.NewHeuristic(),
		Pipes:         pipes,
		Hub:           hub,
		Audit:         sessionAudit,
		Perf:          perf,
		Metrics:       met,
	})

	// Escalation webhooks, delivered in-process or through Cloud Tasks.
	if len(cfg.Escalation.Webhooks) > 0 {
		em := buildNotifier(cfg, logger)
		svc.AttachNotifier(em)
		defer em.Shutdown()
	}

	// Decision sinks: socket.io dashboard and Pub/Sub egress.
	var sinks service.FanoutSink
	var monitorHandler http.Handler
	if cfg.Monitor.EnableSocketIO {
		bridge := monitor.NewBridge()
		defer bridge.Close()
		sinks = append(sinks, bridge)
		monitorHandler = bridge.Handler()
		logger.Printf("dashboard socket.io bridge enabled")
	}
	if cfg.Storage.PubSubProject != "" && cfg.Storage.PubSubTopic != "" {
		// One topic carries both streams: decision CloudEvents and the
		// aggregate event mirror, distinguished by ce-type.
		bus, err := events.NewPubSubEventBus(cfg.Storage.PubSubProject, cfg.Storage.PubSubTopic)
		if err != nil {
			logger.Printf("pub/sub decision egress disabled: %v", err)
		} else {
			defer bus.Close()
			sinks = append(sinks, events.NewDecisionEmitter(bus, ""))
		}
		mirror, err := stream.NewPubSubEgress(context.Background(), cfg.Storage.PubSubProject, cfg.Storage.PubSubTopic, hub)
		if err != nil {
			logger.Printf("pub/sub event mirror disabled: %v", err)
		} else {
			defer mirror.Close()
		}
	}
	switch len(sinks) {
	case 0:
	case 1:
		svc.AttachMonitor(sinks[0])
	default:
		svc.AttachMonitor(sinks)
	}

	// Operator keys for the escalation review endpoints.
	keys := api.NewOperatorKeys()
	for id, hash := range config.OperatorKeyHashes() {
		keys.AddHash(id, hash)
	}
	if keys.Len() == 0 {
		bootstrap, err := keys.Issue("bootstrap")
		if err != nil {
			log.Fatalf("issue bootstrap operator key: %v", err)
		}
		logger.Printf("no operator keys configured; issued bootstrap key (shown once): %s", bootstrap)
	}

	srv := api.New(api.Config{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      middleware.RateLimitConfig{MaxCallsPerMinute: cfg.Session.OpsPerMinute},
	}, api.Deps{
		Service:   svc,
		Sessions:  registry,
		Recon:     recon,
		Events:    store,
		FS:        fs,
		Hub:       hub,
		Operators: keys,
		Monitor:   monitorHandler,
	})

	// Graceful shutdown on SIGTERM (Cloud Run) or interrupt.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Printf("received shutdown signal, draining")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("server: %v", err)
	}
	logger.Printf("stopped")
}

// loadConfig reads the YAML file named by the flag or $FORGEGATE_CONFIG,
// falling back to built-in defaults, applies environment overrides, then
// resolves the effective config for the coordinated project from the
// per-project override file, if one is configured.
func loadConfig(path, projectsPath, projectID string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	if projectsPath == "" {
		projectsPath = os.Getenv(config.EnvProjects)
	}
	mgr, err := config.NewManager(cfg, projectsPath)
	if err != nil {
		return nil, err
	}
	return mgr.Get(projectID), nil
}

// buildStorage selects the event store backend. The returned close
// function is safe to call once after the server drains.
func buildStorage(cfg *config.Config) (eventstore.EventStore, eventstore.SnapshotStore, func(), error) {
	switch cfg.Storage.Backend {
	case "", "memory":
		return eventstore.NewMemoryEventStore(), nil, func() {}, nil
	case "postgres":
		pg, err := eventstore.NewPostgresEventStore(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres event store: %w", err)
		}
		return pg, eventstore.NewPostgresSnapshotStore(pg), func() { pg.Close() }, nil
	case "spanner":
		sp, err := eventstore.NewSpannerEventStore(cfg.Storage.SpannerProject, cfg.Storage.SpannerInstance, cfg.Storage.SpannerDatabase)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("spanner event store: %w", err)
		}
		return sp, nil, func() { sp.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildPolicyEngine compiles the configured rule file, or the bundled
// rule set when none is configured or the file fails to load.
func buildPolicyEngine(cfg *config.Config, logger *log.Logger) *policy.Engine {
	opts := policy.Options{
		HotRuleCount: cfg.Policy.HotRuleCount,
		MemoCapacity: cfg.Policy.MemoCapacity,
		MemoTTL:      cfg.Policy.MemoTTL,
	}
	rules := policy.DefaultRules()
	if cfg.Policy.ConfigPath != "" {
		loaded, err := policy.LoadRules(cfg.Policy.ConfigPath)
		if err != nil {
			logger.Printf("policy rules %s: %v; using bundled set", cfg.Policy.ConfigPath, err)
		} else {
			rules = loaded
		}
	}
	return policy.NewEngine(rules, opts)
}

// buildNotifier registers the configured webhooks and picks the delivery
// path: Cloud Tasks when a queue is configured, in-process workers
// otherwise.
func buildNotifier(cfg *config.Config, logger *log.Logger) escalation.Emitter {
	reg := escalation.NewRegistry()
	for _, wh := range cfg.Escalation.Webhooks {
		types := make([]escalation.EventType, 0, len(wh.EventTypes))
		for _, t := range wh.EventTypes {
			types = append(types, escalation.EventType(t))
		}
		sub := &escalation.Subscription{ID: wh.ID, URL: wh.URL, Events: types, Active: true}
		if err := reg.Register(sub); err != nil {
			logger.Printf("webhook %s: %v", wh.ID, err)
		}
	}
	if cfg.Escalation.CloudTasksProject != "" {
		cn, err := escalation.NewCloudNotifier(reg,
			cfg.Escalation.CloudTasksProject,
			cfg.Escalation.CloudTasksLocation,
			cfg.Escalation.CloudTasksQueue,
			cfg.Escalation.Workers)
		if err != nil {
			logger.Printf("cloud tasks notifier unavailable, using in-process delivery: %v", err)
		} else {
			return cn
		}
	}
	return escalation.NewNotifier(reg, cfg.Escalation.Workers)
}

// resolveMasterSecret returns the configured key material, or generates
// an ephemeral secret. Ephemeral secrets invalidate agent keys on
// restart, so production deployments must configure one.
func resolveMasterSecret(cfg *config.Config, logger *log.Logger) []byte {
	if cfg.Session.MasterSecret != "" {
		return []byte(cfg.Session.MasterSecret)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.Fatalf("generate master secret: %v", err)
	}
	logger.Printf("no master secret configured; generated an ephemeral one (agent keys reset on restart)")
	return secret
}
