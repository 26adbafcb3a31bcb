package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/memstack/memgos/mem_scheduler/activation"
	"github.com/memstack/memgos/mem_scheduler/config"
	"github.com/memstack/memgos/mem_scheduler/handlers"
	"github.com/memstack/memgos/mem_scheduler/idempotency"
	"github.com/memstack/memgos/mem_scheduler/llm"
	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/memcube"
	"github.com/memstack/memgos/mem_scheduler/monitors"
	"github.com/memstack/memgos/mem_scheduler/postprocess"
	"github.com/memstack/memgos/mem_scheduler/queue"
	"github.com/memstack/memgos/mem_scheduler/ratelimit"
	"github.com/memstack/memgos/mem_scheduler/scheduler"
	"github.com/memstack/memgos/mem_scheduler/schemas"
	"github.com/memstack/memgos/mem_scheduler/searchsvc"
	"github.com/memstack/memgos/mem_scheduler/status"
	"github.com/memstack/memgos/mem_scheduler/weblog"
)

// CubeRegistry maps mem-cube ids to registered cubes.
type CubeRegistry struct {
	mu    sync.RWMutex
	cubes map[string]*memcube.MemCube
}

func NewCubeRegistry() *CubeRegistry {
	return &CubeRegistry{cubes: make(map[string]*memcube.MemCube)}
}

func (r *CubeRegistry) Set(cube *memcube.MemCube) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cubes[cube.ID] = cube
}

func (r *CubeRegistry) Get(id string) *memcube.MemCube {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cubes[id]
}

func main() {
	cfg := config.Default()
	if path := os.Getenv("SCHEDULER_CONFIG"); path != "" {
		if err := config.LoadFile(&cfg, path); err != nil {
			logx.Logger.Fatal().Err(err).Str("path", path).Msg("failed to load config file")
		}
	}
	config.LoadEnv(&cfg)
	logx.Init(logx.Config{Level: cfg.LogLevel, JSONOutput: true})
	log := logx.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared log is optional: with Redis the queue, status tracker, rate
	// limiter and idempotency records gain cross-process visibility; without
	// it everything stays in-process.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).
				Msg("shared log unavailable, falling back to in-process backends")
			redisClient = nil
		} else {
			log.Info().Str("addr", cfg.RedisAddr).Msg("connected to shared log")
		}
	}

	var trackerBackend status.Backend
	if redisClient != nil {
		trackerBackend = status.NewRedisBackend(redisClient)
	}
	tracker := status.NewTracker(trackerBackend)

	var taskQueue queue.TaskQueue
	onDrop := func(msg schemas.Message) {
		tracker.TaskDropped(context.Background(), msg.ItemID)
	}
	if redisClient != nil && cfg.UseSharedLog {
		hostname, _ := os.Hostname()
		rq, err := queue.NewRedisQueue(redisClient, hostname+"-"+uuid.NewString()[:8], cfg.MaxInternalQueueSize, onDrop)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize shared-log queue")
		}
		taskQueue = rq
		log.Info().Msg("using shared-log task queue")
	} else {
		taskQueue = queue.NewMemoryQueue(cfg.MaxInternalQueueSize, onDrop)
		log.Info().Msg("using in-process task queue")
	}

	limiter := ratelimit.NewSlidingWindow(redisClient, cfg.RateLimit, cfg.RateWindow)
	idemStore := idempotency.NewStore(redisClient, 24*cfg.RateWindow)

	var monitorStore monitors.Store
	if cfg.PostgresDSN != "" {
		pg, err := monitors.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize monitor store")
		}
		defer pg.Close()
		monitorStore = pg
		log.Info().Msg("monitor state persisted to postgres")
	}

	prompts, err := llm.NewTemplateStore(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse prompt templates")
	}

	// LLM, embedder and mem-cube collaborators are bound by the embedding
	// application through InitModules-style wiring; the scheduler runs with
	// whatever subset is provided.
	var processLLM llm.Client
	var embedder llm.Embedder
	var memReader memcube.MemReader
	var feedbackProcessor memcube.FeedbackProcessor

	monitor := monitors.NewGeneralMonitor(processLLM, prompts, monitorStore,
		cfg.QueryTriggerInterval, cfg.ActMemUpdateInterval, cfg.ContextWindowSize*20)
	post := postprocess.NewProcessor(processLLM, embedder, prompts,
		cfg.SimilarityThreshold, cfg.MinLengthThreshold)

	hub := weblog.NewHub()
	go hub.Run(ctx)

	cubes := NewCubeRegistry()
	plane := weblog.NewPlane(weblog.NewLogPublisher(), hub, cfg.MaxWebLogQueueSize, func(id string) string {
		if cube := cubes.Get(id); cube != nil && cube.Name != "" {
			return cube.Name
		}
		return id
	})

	actManager := activation.NewManager(cfg.ActMemDumpPath, monitor, func(ctx context.Context, ev schemas.WebLogEvent) {
		plane.Submit(ctx, ev)
	})

	sched := scheduler.New(cfg, taskQueue, tracker, limiter)

	searchMode := memcube.SearchFast
	if cfg.SearchMethod == config.SearchMethodTreeFine {
		searchMode = memcube.SearchFine
	}
	handlerCtx := &handlers.Context{
		Cube:                   cubes.Get,
		Monitor:                monitor,
		Search:                 searchsvc.New(),
		Post:                   post,
		Activation:             actManager,
		Weblog:                 plane,
		MemReader:              memReader,
		Feedback:               feedbackProcessor,
		Idem:                   idemStore,
		Submit:                 sched.SubmitMessages,
		TopK:                   cfg.TopK,
		QueryKeyWordsLimit:     cfg.QueryKeyWordsLimit,
		EnableActivationMemory: cfg.EnableActivationMem,
		ActMemUpdateInterval:   cfg.ActMemUpdateInterval,
		SearchMode:             searchMode,
		CloudEnv:               cfg.CloudEnv,
	}
	registry := handlers.NewRegistry(handlerCtx)
	sched.RegisterHandlers(registry.BuildDispatchMap())

	sched.Start()
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/weblog/stream", hub.ServeWS)
	mux.HandleFunc("/weblog/messages", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(plane.GetWebLogMessages())
	})
	mux.HandleFunc("/scheduler/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sched.GatherQueueStats(r.Context()))
	})
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Path[len("/tasks/"):]
		rec, err := tracker.Get(r.Context(), taskID)
		if err != nil || rec == nil {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("memory scheduler listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	server.Shutdown(ctx)
}
