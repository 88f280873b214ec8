package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chatferry/chatferry/internal/ferry"
	"github.com/chatferry/chatferry/internal/httpapi"
	"github.com/chatferry/chatferry/internal/platform"
)

func main() {
	addr := os.Getenv("CHATFERRY_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	dataDir := strings.TrimSpace(os.Getenv("CHATFERRY_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".chatferry"
	}

	stateDSN, stateFilePath := stateDSNFromEnv(dataDir)
	stateBackend, err := ferry.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store, err := ferry.NewStore(ferry.StoreOptions{
		BlobDir:       filepath.Join(dataDir, "blobs"),
		StateBackend:  stateBackend,
		StaleAfter:    durationEnv("CHATFERRY_STALE_AFTER", 0),
		SweepInterval: durationEnv("CHATFERRY_SWEEP_INTERVAL", 0),
		OrphanGrace:   durationEnv("CHATFERRY_ORPHAN_GRACE", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if stateFilePath != "" {
		go func() {
			if err := ferry.WatchStateFile(rootCtx, stateFilePath, store); err != nil && rootCtx.Err() == nil {
				log.Printf("state file watcher stopped: %v", err)
			}
		}()
	}

	if apiURL := strings.TrimSpace(os.Getenv("CHATFERRY_PLATFORM_API_URL")); apiURL != "" {
		startIngestion(rootCtx, store, dataDir, apiURL)
	} else {
		log.Printf("CHATFERRY_PLATFORM_API_URL not set, ingestion disabled")
	}

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		TokenSecret:  os.Getenv("CHATFERRY_TOKEN_SECRET"),
		MaxBodyBytes: int64Env("CHATFERRY_MAX_BODY_BYTES", 0),
	})

	log.Printf("chatferry listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func startIngestion(ctx context.Context, store *ferry.Store, dataDir, apiURL string) {
	client, err := platform.NewClient(platform.ClientOptions{
		BaseURL: apiURL,
		Token:   os.Getenv("CHATFERRY_PLATFORM_TOKEN"),
	})
	if err != nil {
		log.Fatalf("failed to initialize platform client: %v", err)
	}
	dedup := ferry.NewDedupCache(
		durationEnv("CHATFERRY_DEDUP_WINDOW", 0),
		intEnv("CHATFERRY_DEDUP_MAX_ENTRIES", 0),
	)
	pipeline, err := ferry.NewPipeline(ferry.PipelineOptions{
		Dedup:        dedup,
		Fetcher:      client,
		Sender:       client,
		Store:        store,
		StagingDir:   filepath.Join(dataDir, "staging"),
		FetchTimeout: durationEnv("CHATFERRY_FETCH_TIMEOUT", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize ingestion pipeline: %v", err)
	}

	streamURL := strings.TrimSpace(os.Getenv("CHATFERRY_PLATFORM_STREAM_URL"))
	if streamURL == "" {
		log.Printf("CHATFERRY_PLATFORM_STREAM_URL not set, event stream disabled")
		return
	}
	listener, err := platform.NewListener(platform.ListenerOptions{
		URL:     streamURL,
		Token:   os.Getenv("CHATFERRY_PLATFORM_TOKEN"),
		Handler: pipeline,
	})
	if err != nil {
		log.Fatalf("failed to initialize event listener: %v", err)
	}
	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("event listener stopped: %v", err)
		}
	}()
}

// stateDSNFromEnv resolves the state DSN and, when the backend is the JSON
// file, the path to watch for external rewrites.
func stateDSNFromEnv(dataDir string) (dsn, filePath string) {
	dsn = strings.TrimSpace(os.Getenv("CHATFERRY_STATE_DSN"))
	if dsn == "" {
		filePath = filepath.Join(dataDir, "records.json")
		return "file://" + filePath, filePath
	}
	switch {
	case strings.HasPrefix(dsn, "file://"):
		return dsn, strings.TrimPrefix(dsn, "file://")
	case strings.Contains(dsn, "://"):
		return dsn, ""
	default:
		return dsn, dsn
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
