// server runs the rights-control-engine HTTP API. With DATABASE_URL unset
// it runs entirely on in-memory stores, which is useful for local work.
package main

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"rights-control-engine/internal/audit"
	auditrepo "rights-control-engine/internal/audit/repository"
	"rights-control-engine/internal/config"
	"rights-control-engine/internal/db"
	"rights-control-engine/internal/device"
	devicerepo "rights-control-engine/internal/device/repository"
	keysrepo "rights-control-engine/internal/keys/repository"
	keysservice "rights-control-engine/internal/keys/service"
	"rights-control-engine/internal/notify"
	"rights-control-engine/internal/policy/engine"
	policyrepo "rights-control-engine/internal/policy/repository"
	policyservice "rights-control-engine/internal/policy/service"
	"rights-control-engine/internal/security"
	"rights-control-engine/internal/server"
	"rights-control-engine/internal/session"
	sessionrepo "rights-control-engine/internal/session/repository"
	"rights-control-engine/internal/telemetry/otel"
	"rights-control-engine/internal/token"
	"rights-control-engine/internal/token/blacklist"
	"rights-control-engine/internal/usage"
	usagerepo "rights-control-engine/internal/usage/repository"
	"rights-control-engine/internal/validate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "rights-control-engine", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	var pool *sql.DB
	if cfg.DatabaseURL != "" {
		pool, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer pool.Close()
	}

	signer, verifier := signingKeys(cfg)

	revocation := revocationStore(cfg)
	notifier := notify.NewProducer(cfg.KafkaBrokersList(), cfg.KafkaNotifyTopic)
	defer notifier.Close()
	usageProducer := notify.NewProducer(cfg.KafkaBrokersList(), cfg.KafkaUsageTopic)
	defer usageProducer.Close()

	var (
		auditor  audit.Logger
		sessions *session.Manager
		keys     *keysservice.Manager
		policies *policyservice.Store
		devices  *device.Registry
		monitor  *usage.Monitor
	)
	if pool != nil {
		wrapper, err := security.NewWrapper(cfg.MasterKey)
		if err != nil {
			log.Fatalf("master key: %v", err)
		}
		auditor = audit.NewLogger(auditrepo.NewPostgresRepository(pool), nil)
		sessions = session.NewManager(sessionrepo.NewPostgresRepository(pool), auditor, cfg.IdleTimeout())
		keys = keysservice.NewManager(keysrepo.NewPostgresRepository(pool, wrapper), sessions, auditor)
		policies = policyservice.NewStore(policyrepo.NewPostgresRepository(pool), keys, revocation, sessions, notifier, auditor, cfg.NoticePeriod())
		devices = device.NewRegistry(devicerepo.NewPostgresRepository(pool), auditor)
		monitor = usage.NewMonitor(usagerepo.NewPostgresRepository(pool), usageNotifier(notifier, usageProducer), policies, auditor, thresholds(cfg), cfg.AutoRespond)
		if err := sessions.Restore(ctx); err != nil {
			log.Fatalf("restore sessions: %v", err)
		}
	} else {
		log.Println("DATABASE_URL not set; running on in-memory stores")
		auditor = audit.NewLogger(auditrepo.NewMemoryRepository(), nil)
		sessions = session.NewManager(sessionrepo.NewMemoryRepository(), auditor, cfg.IdleTimeout())
		keys = keysservice.NewManager(keysrepo.NewMemoryRepository(), sessions, auditor)
		policies = policyservice.NewStore(policyrepo.NewMemoryRepository(), keys, revocation, sessions, notifier, auditor, cfg.NoticePeriod())
		devices = device.NewRegistry(devicerepo.NewMemoryRepository(), auditor)
		monitor = usage.NewMonitor(usagerepo.NewMemoryRepository(), usageNotifier(notifier, usageProducer), policies, auditor, thresholds(cfg), cfg.AutoRespond)
	}

	issuer := token.NewIssuer(signer, verifier, cfg.TokenIssuer, cfg.TokenAudience, policies, cfg.MaxTTL, revocation)
	evaluator := engine.NewOPAEvaluator()
	validator := validate.NewValidator(issuer, revocation, policies, evaluator, devices, sessions, monitor)

	go sessions.Run(ctx, cfg.SweepEvery())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.New(keys, policies, issuer, validator, sessions, monitor, evaluator).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("HTTP server stopped")
}

// signingKeys loads the configured token key pair, or generates an
// ephemeral ECDSA pair when none is configured. Ephemeral keys mean every
// restart invalidates outstanding tokens.
func signingKeys(cfg *config.Config) (crypto.Signer, crypto.PublicKey) {
	if cfg.TokenPrivateKey == "" {
		log.Println("TOKEN_PRIVATE_KEY not set; generating an ephemeral signing key")
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			log.Fatalf("generate signing key: %v", err)
		}
		return key, key.Public()
	}
	signer, err := security.ParseSigningKey(cfg.TokenPrivateKey)
	if err != nil {
		log.Fatalf("token private key: %v", err)
	}
	public := cfg.TokenPublicKey
	if public == "" {
		return signer, signer.Public()
	}
	verifier, err := security.ParseVerifyKey(public)
	if err != nil {
		log.Fatalf("token public key: %v", err)
	}
	return signer, verifier
}

func revocationStore(cfg *config.Config) blacklist.Store {
	if cfg.RedisAddr == "" {
		log.Println("REDIS_ADDR not set; using in-memory token blacklist")
		return blacklist.NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return blacklist.NewRedisStore(client)
}

func thresholds(cfg *config.Config) usage.Thresholds {
	return usage.Thresholds{
		DenialRate:  cfg.DenialRateThreshold,
		DeviceChurn: cfg.DeviceChurnThreshold,
	}
}

// splitNotifier routes critical-violation alerts to the notification
// topic and raw usage records to the usage topic.
type splitNotifier struct {
	alerts *notify.Producer
	usage  *notify.Producer
}

func (n splitNotifier) CriticalViolation(ctx context.Context, policyID, principalID, violationType string, observed, threshold float64) {
	n.alerts.CriticalViolation(ctx, policyID, principalID, violationType, observed, threshold)
}

func (n splitNotifier) UsageRecorded(ctx context.Context, payload map[string]any) {
	n.usage.UsageRecorded(ctx, payload)
}

func usageNotifier(alerts, usageProducer *notify.Producer) usage.Notifier {
	return splitNotifier{alerts: alerts, usage: usageProducer}
}
