// The presence sweeper flips stale presence records offline. Clients that
// vanish without a clean leave stop renewing their heartbeat; once the
// last-seen timestamp falls outside the freshness window this worker marks
// the record offline so list views converge without a live channel.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pitchlink/chat-service/internal/metrics"
	"github.com/pitchlink/chat-service/internal/presence"
	"github.com/pitchlink/chat-service/internal/store"
)

func main() {
	log.Println("Starting presence sweeper...")

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/pitchlink?sslmode=disable"
	}
	st, err := store.New(dsn)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	interval := 30 * time.Second
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}
	maxAge := presence.FreshnessWindow
	if v := os.Getenv("SWEEP_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9091"
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("[sweeper] metrics server: %v", err)
		}
	}()

	log.Printf("[sweeper] interval=%s max_age=%s", interval, maxAge)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			log.Printf("received signal %v, shutting down", sig)
			if err := st.Close(); err != nil {
				log.Printf("store close error: %v", err)
			}
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := st.SweepStalePresence(ctx, maxAge)
			cancel()
			if err != nil {
				log.Printf("[sweeper] sweep failed: %v", err)
				continue
			}
			if n > 0 {
				metrics.PresenceSweeps.Add(float64(n))
				log.Printf("[sweeper] marked %d stale records offline", n)
			}
		}
	}
}
