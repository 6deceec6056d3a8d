package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/qiuhaotian/taskdeck/internal/config"
	"github.com/qiuhaotian/taskdeck/internal/handler"
	chathandler "github.com/qiuhaotian/taskdeck/internal/handler/chat"
	"github.com/qiuhaotian/taskdeck/internal/service/ai"
	"github.com/qiuhaotian/taskdeck/internal/service/retrieval"
	syncservice "github.com/qiuhaotian/taskdeck/internal/service/sync"
	taskstore "github.com/qiuhaotian/taskdeck/internal/service/task"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store := taskstore.NewStore()
	seedTasks(ctx, store)

	var fetcher syncservice.SourceFetcher
	if cfg.Sync.RemoteSourceBase != "" {
		fetcher = syncservice.NewHTTPFetcher(cfg.Sync.RemoteSourceBase, cfg.Sync.RemoteAccessToken)
		log.Printf("sync fetcher targeting %s", cfg.Sync.RemoteSourceBase)
	} else {
		fetcher = syncservice.NewStaticFetcher(nil)
		log.Println("REMOTE_SOURCE_BASE not set, sync will run against an empty source set")
	}

	syncSvc := syncservice.NewService(store, fetcher, cfg.Sync.MaxChunkChars)
	retrievalSvc := retrieval.NewService(store, cfg.Sync.RetrievalK)

	var answerer chathandler.Answerer
	if cfg.AI.Enabled() {
		aiSvc, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without chat functionality")
		} else {
			answerer = aiSvc
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("model credentials not configured, skipping AI initialization")
	}

	router := handler.NewRouter(cfg, store, syncSvc, retrievalSvc, answerer)

	startServer(ctx, cfg.Server, router)
}

// seedTasks registers the task mirrors named in SEED_TASK_KEYS so local
// setups have something to sync and chat about.
func seedTasks(ctx context.Context, store *taskstore.Store) {
	raw := strings.TrimSpace(os.Getenv("SEED_TASK_KEYS"))
	if raw == "" {
		return
	}
	for _, key := range strings.Split(raw, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, err := store.CreateTask(ctx, key); err != nil {
			log.Printf("warning: skipping seed task %q: %v", key, err)
			continue
		}
		log.Printf("seeded task %s", key)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("taskdeck api listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
