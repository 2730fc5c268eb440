// cmd/sync-agent/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"crm-message-sync/internal/common/config"
	"crm-message-sync/internal/common/database"
	"crm-message-sync/internal/common/logger"
	"crm-message-sync/internal/common/observability"
	"crm-message-sync/internal/ingest"
	"crm-message-sync/internal/push"
	"crm-message-sync/internal/readstate"
	"crm-message-sync/internal/restapi"
	"crm-message-sync/internal/session"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

// bulkDeleteAdapter maps the message-list client's bulk-delete response onto
// the session's collaborator interface.
type bulkDeleteAdapter struct {
	client *restapi.Client
}

func (a *bulkDeleteAdapter) BulkDelete(ctx context.Context, ids []string) (*session.BulkDeleteOutcome, error) {
	res, err := a.client.BulkDelete(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := &session.BulkDeleteOutcome{Success: res.Success}
	for _, r := range res.Results {
		out.Results = append(out.Results, session.BulkItemOutcome{
			MessageID: r.MessageID,
			Success:   r.Success,
		})
	}
	return out, nil
}

func main() {
	// CONFIG_FILE pins an exact file; otherwise the search-path loader runs.
	var cfg *config.Config
	var err error
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()

	// Wrap zap logger with our logger interface
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting sync agent...")

	obs := observability.New("sync-agent")
	defer obs.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Redis)
		if err != nil {
			return err
		}
		// Test the connection with context
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init message-list client and session ---
	api := restapi.NewClient(cfg.MessageAPI, log)

	store := readstate.NewStore(redis, cfg.Sync.ReadSetCap, log)

	sess := session.New(cfg, session.Deps{
		Store:   store,
		Fetcher: api,
		Acker:   api,
		Deleter: &bulkDeleteAdapter{client: api},
		Leads:   ingest.SyntheticLeadResolver{},
	}, log, obs)

	// --- Push channel (optional; poll-only when disabled) ---
	var pushClient *push.Client
	if cfg.Push.Enabled {
		pushClient = push.NewClient(cfg.Push, sess.HandlePushFrame, log)
		sess.SetPublisher(pushClient)
		go pushClient.Run(ctx)
		zapLog.Info("Push channel enabled", zap.String("url", cfg.Push.URL))
	} else {
		zapLog.Info("Push channel disabled, running poll-only")
	}

	sessErr := make(chan error, 1)
	go func() { sessErr <- sess.Run(ctx) }()

	// --- Health & Metrics Server ---
	if cfg.Metrics.Enabled {
		go func() {
			http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				json.NewEncoder(w).Encode(map[string]string{
					"status": "healthy",
					"time":   time.Now().Format(time.RFC3339),
				})
			})
			http.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				json.NewEncoder(w).Encode(map[string]string{
					"status": "ready",
					"time":   time.Now().Format(time.RFC3339),
				})
			})
			http.Handle("/metrics", promhttp.Handler())
			zapLog.Info("Health/Metrics server listening", zap.String("address", cfg.Metrics.Address))
			if err := http.ListenAndServe(cfg.Metrics.Address, nil); err != nil {
				zapLog.Error("Health/Metrics server failed", zap.Error(err))
			}
		}()
	}

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		zapLog.Info("Shutdown signal received, stopping session...")
	case err := <-sessErr:
		if err != nil {
			zapLog.Error("session failed", zap.Error(err))
		}
	}

	cancel()
	if pushClient != nil {
		pushClient.Close()
	}

	zapLog.Info("Sync agent stopped gracefully")
}
