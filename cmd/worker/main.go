// worker periodically analyzes recorded usage for threat patterns and,
// when enabled, auto-suspends policies behind critical violations.
// Requires DATABASE_URL; Kafka and auto-response follow the server config.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rights-control-engine/internal/audit"
	auditrepo "rights-control-engine/internal/audit/repository"
	"rights-control-engine/internal/config"
	"rights-control-engine/internal/db"
	"rights-control-engine/internal/notify"
	policyrepo "rights-control-engine/internal/policy/repository"
	policyservice "rights-control-engine/internal/policy/service"
	"rights-control-engine/internal/usage"
	usagerepo "rights-control-engine/internal/usage/repository"
)

func main() {
	interval := flag.Duration("interval", 10*time.Minute, "how often to run the analysis")
	window := flag.Duration("window", time.Hour, "how far back each analysis looks")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("worker: DATABASE_URL is required")
	}

	pool, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()

	notifier := notify.NewProducer(cfg.KafkaBrokersList(), cfg.KafkaNotifyTopic)
	defer notifier.Close()

	auditor := audit.NewLogger(auditrepo.NewPostgresRepository(pool), nil)
	// The worker only suspends policies; issuance and revocation stay
	// with the server.
	policies := policyservice.NewStore(policyrepo.NewPostgresRepository(pool), nil, nil, nil, notifier, auditor, 0)
	monitor := usage.NewMonitor(usagerepo.NewPostgresRepository(pool), workerNotifier{notifier}, policies, auditor,
		usage.Thresholds{DenialRate: cfg.DenialRateThreshold, DeviceChurn: cfg.DeviceChurnThreshold}, cfg.AutoRespond)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker: analyzing every %s over a %s window", *interval, *window)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		analysis, err := monitor.Analyze(ctx, *window, nil)
		if err != nil {
			log.Printf("worker: analyze: %v", err)
		} else if len(analysis.Violations) > 0 {
			log.Printf("worker: %d violations across %d events", len(analysis.Violations), analysis.EventsAnalyzed)
		}
		select {
		case <-ctx.Done():
			log.Println("worker: stopped")
			return
		case <-ticker.C:
		}
	}
}

// workerNotifier forwards critical alerts to Kafka and drops the raw
// usage stream, which the server already publishes.
type workerNotifier struct {
	alerts *notify.Producer
}

func (n workerNotifier) CriticalViolation(ctx context.Context, policyID, principalID, violationType string, observed, threshold float64) {
	n.alerts.CriticalViolation(ctx, policyID, principalID, violationType, observed, threshold)
}

func (n workerNotifier) UsageRecorded(ctx context.Context, payload map[string]any) {}
