package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chatferry/chatferry/internal/pullagent"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("CHATFERRY_BASE_URL", "http://127.0.0.1:8080"), "chatferry base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("CHATFERRY_TOKEN")), "bearer token")
	downloadDir := flag.String("download-dir", strings.TrimSpace(os.Getenv("CHATFERRY_DOWNLOAD_DIR")), "local download directory")
	transferCmd := flag.String("transfer-cmd", strings.TrimSpace(os.Getenv("CHATFERRY_TRANSFER_CMD")), "command run per downloaded file, path appended as last argument")
	interval := flag.Duration("interval", durationEnv("CHATFERRY_AGENT_INTERVAL", 30*time.Second), "poll interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("CHATFERRY_AGENT_INTERVAL_JITTER", 0.2), "poll interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("CHATFERRY_AGENT_TIMEOUT", 5*time.Minute), "per-cycle timeout")
	once := flag.Bool("once", false, "run one pull cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*downloadDir) == "" {
		log.Fatalf("download-dir is required (--download-dir or CHATFERRY_DOWNLOAD_DIR)")
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 5 * time.Minute
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	var transfer pullagent.TransferFunc
	if *transferCmd != "" {
		fields := strings.Fields(*transferCmd)
		transfer = pullagent.CommandTransfer(fields[0], fields[1:]...)
	}

	client := pullagent.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	agent, err := pullagent.NewAgent(client, pullagent.AgentOptions{
		DownloadDir: *downloadDir,
		Transfer:    transfer,
		Logger:      log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize pull agent: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := agent.SyncOnce(ctx); err != nil {
			log.Printf("pull cycle failed: %v", err)
			return
		}
		log.Printf("pull cycle completed")
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("pull agent stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
